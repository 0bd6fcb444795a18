package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/dedupe"
)

// Request describes one content-download request in caller terms. The
// registry deals in raw argv; Request is the typed surface the API and CLI
// share.
type Request struct {
	URL        string   `json:"url"`
	Song       bool     `json:"song"`
	Atmos      bool     `json:"atmos"`
	AAC        bool     `json:"aac"`
	Select     bool     `json:"select"`
	AllAlbum   bool     `json:"all_album"`
	Debug      bool     `json:"debug"`
	SearchType string   `json:"search_type"`
	SearchTerm string   `json:"search_term"`
	ExtraArgs  []string `json:"extra_args"`
}

// Validate checks that the request names something to fetch: either a URL
// or a complete search pair.
func (r Request) Validate() error {
	search := strings.TrimSpace(r.SearchType) != "" || strings.TrimSpace(r.SearchTerm) != ""
	if search {
		if strings.TrimSpace(r.SearchType) == "" || strings.TrimSpace(r.SearchTerm) == "" {
			return fmt.Errorf("search requires both search_type and search_term")
		}
		return nil
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// Args builds the worker argv. Search mode replaces the URL form entirely.
func (r Request) Args() []string {
	if strings.TrimSpace(r.SearchType) != "" && strings.TrimSpace(r.SearchTerm) != "" {
		args := []string{"--search", r.SearchType, r.SearchTerm}
		return append(args, r.ExtraArgs...)
	}

	var args []string
	if r.Song {
		args = append(args, "--song")
	}
	if r.Atmos {
		args = append(args, "--atmos")
	}
	if r.AAC {
		args = append(args, "--aac")
	}
	if r.Select {
		args = append(args, "--select")
	}
	if r.AllAlbum {
		args = append(args, "--all-album")
	}
	if r.Debug {
		args = append(args, "--debug")
	}
	args = append(args, r.URL)
	return append(args, r.ExtraArgs...)
}

// keyFields projects the request onto the dedupe digest input. ExtraArgs
// are deliberately excluded: they tune the worker, not the content.
func (r Request) keyFields() dedupe.KeyFields {
	return dedupe.KeyFields{
		URL:        r.URL,
		Song:       r.Song,
		Atmos:      r.Atmos,
		AAC:        r.AAC,
		Select:     r.Select,
		AllAlbum:   r.AllAlbum,
		Debug:      r.Debug,
		SearchType: strings.TrimSpace(r.SearchType),
		SearchTerm: strings.TrimSpace(r.SearchTerm),
	}
}

// LaunchResult reports whether the request started a new job or was
// coalesced onto a running one.
type LaunchResult struct {
	Summary *Summary `json:"job"`
	Reused  bool     `json:"reused"`
}

// Launcher fronts the registry with duplicate suppression: identical
// concurrent requests share one worker.
type Launcher struct {
	registry *Registry
	guard    *dedupe.Guard
	log      *zap.Logger

	// OnFinished, if set before the first Start, runs after each job started
	// through this launcher reaches a terminal state and its content lock has
	// been released.
	OnFinished func(*Summary)
}

func NewLauncher(registry *Registry, guard *dedupe.Guard, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{registry: registry, guard: guard, log: log}
}

// Start launches a worker for req, or returns the already-running job for
// an identical request. The content lock is released when the job ends,
// whatever its terminal state.
func (l *Launcher) Start(ctx context.Context, req Request) (*LaunchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := dedupe.ContentKey(req.keyFields())

	if owner, ok, err := l.guard.Owner(ctx, key); err != nil {
		l.log.Warn("dedupe owner lookup failed", zap.String("content_key", key), zap.Error(err))
	} else if ok {
		if s, err := l.registry.Get(ctx, owner); err == nil && !s.Status.Terminal() {
			l.log.Info("request coalesced onto running job",
				zap.String("content_key", key),
				zap.String("job_id", owner))
			return &LaunchResult{Summary: s, Reused: true}, nil
		}
	}

	summary, err := l.registry.Start(ctx, req.Args(), func(s *Summary) {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.guard.Release(rctx, key, s.ID); err != nil {
			l.log.Warn("dedupe release failed",
				zap.String("content_key", key),
				zap.String("job_id", s.ID),
				zap.Error(err))
		}
		if l.OnFinished != nil {
			l.OnFinished(s)
		}
	})
	if err != nil {
		return nil, err
	}

	acquired, err := l.guard.Acquire(ctx, key, summary.ID)
	if err != nil {
		l.log.Warn("dedupe acquire failed", zap.String("content_key", key), zap.Error(err))
		return &LaunchResult{Summary: summary}, nil
	}
	if acquired {
		return &LaunchResult{Summary: summary}, nil
	}

	// Another process won the race. Prefer its job and stop ours, but only
	// if the winner is still alive; otherwise keep what we started.
	if owner, ok, err := l.guard.Owner(ctx, key); err == nil && ok && owner != summary.ID {
		if s, err := l.registry.Get(ctx, owner); err == nil && !s.Status.Terminal() {
			if err := l.registry.Cancel(ctx, summary.ID); err != nil {
				l.log.Warn("cancel of duplicate job failed",
					zap.String("job_id", summary.ID), zap.Error(err))
			}
			l.log.Info("lost dedupe race, reusing winner",
				zap.String("content_key", key),
				zap.String("job_id", owner))
			return &LaunchResult{Summary: s, Reused: true}, nil
		}
	}
	return &LaunchResult{Summary: summary}, nil
}
