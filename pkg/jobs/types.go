// Package jobs owns the worker-job lifecycle: spawning, progress parsing,
// log buffering, event broadcast, and persistence through the shared store.
package jobs

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/3leaps/stashd/pkg/supervise"
)

// Status is the lifecycle state of a job.
//
// Running is the only non-terminal state; transitions go running →
// {completed, failed, cancelled} and terminal states are final.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrNotFound means no job with that id is known to this process or
	// the shared store.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyFinished means the operation targets a job that has
	// already reached a terminal state.
	ErrAlreadyFinished = errors.New("job already finished")
)

// Progress is a job's latest parsed progress snapshot. It is overwritten
// wholesale on each successfully parsed output line, never merged.
type Progress struct {
	Phase       string    `json:"phase,omitempty"`
	Percent     *int      `json:"percent,omitempty"`
	Transferred string    `json:"transferred,omitempty"`
	Total       string    `json:"total,omitempty"`
	Rate        string    `json:"rate,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary is the caller-facing view of a job.
type Summary struct {
	ID        string    `json:"job_id"`
	Args      []string  `json:"args"`
	Status    Status    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Progress  Progress  `json:"progress"`
}

// job is the in-memory source of truth for one worker invocation owned by
// this process. Jobs reconstructed from the store have no handle and no
// subscribers.
type job struct {
	id        string
	args      []string
	createdAt time.Time

	mu        sync.Mutex
	updatedAt time.Time
	status    Status
	exitCode  *int
	progress  Progress
	subs      map[int]*subscriber
	nextSub   int
	closed    bool

	handle *supervise.Handle
	logs   *logBatcher
	sync   *progressSyncer
}

func (j *job) summaryLocked() *Summary {
	args := make([]string, len(j.args))
	copy(args, j.args)
	return &Summary{
		ID:        j.id,
		Args:      args,
		Status:    j.status,
		ExitCode:  j.exitCode,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
		Progress:  j.progress,
	}
}

func (j *job) summary() *Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summaryLocked()
}

// Persisted hash layout under job:<id>.
func jobHashKey(id string) string      { return "job:" + id }
func progressHashKey(id string) string { return "job:" + id + ":progress" }
func logsListKey(id string) string     { return "job:" + id + ":logs" }

func (j *job) storeFieldsLocked() map[string]string {
	args, _ := json.Marshal(j.args)
	exit := ""
	if j.exitCode != nil {
		exit = strconv.Itoa(*j.exitCode)
	}
	return map[string]string{
		"job_id":     j.id,
		"args":       string(args),
		"created_at": j.createdAt.UTC().Format(time.RFC3339Nano),
		"updated_at": j.updatedAt.UTC().Format(time.RFC3339Nano),
		"status":     string(j.status),
		"exit_code":  exit,
	}
}

func progressFields(p Progress) map[string]string {
	percent := ""
	if p.Percent != nil {
		percent = strconv.Itoa(*p.Percent)
	}
	return map[string]string{
		"phase":       p.Phase,
		"percent":     percent,
		"transferred": p.Transferred,
		"total":       p.Total,
		"rate":        p.Rate,
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func progressFromFields(fields map[string]string) Progress {
	p := Progress{
		Phase:       fields["phase"],
		Transferred: fields["transferred"],
		Total:       fields["total"],
		Rate:        fields["rate"],
	}
	if v := fields["percent"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Percent = &n
		}
	}
	if v := fields["updated_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.UpdatedAt = ts
		}
	}
	return p
}

func summaryFromFields(id string, fields map[string]string) (*Summary, bool) {
	if len(fields) == 0 || fields["status"] == "" {
		return nil, false
	}
	s := &Summary{
		ID:     id,
		Status: Status(fields["status"]),
	}
	if v := fields["args"]; v != "" {
		_ = json.Unmarshal([]byte(v), &s.Args)
	}
	if v := fields["created_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.CreatedAt = ts
		}
	}
	if v := fields["updated_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.UpdatedAt = ts
		}
	}
	if v := fields["exit_code"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.ExitCode = &n
		}
	}
	return s, true
}
