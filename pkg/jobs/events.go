package jobs

// EventType tags events delivered to job subscribers.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventEnd       EventType = "end"
	EventCancelled EventType = "cancelled"
)

// Event is one item in a job's event stream. For a given job, delivery
// order matches generation order: start, zero or more progress, then
// exactly one terminal event (end or cancelled).
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Status   Status    `json:"status,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

const subscriberBuffer = 64

// subscriber is one live event consumer. Each subscriber has its own
// buffered channel so a slow consumer cannot block delivery to others.
type subscriber struct {
	ch chan Event
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Event, subscriberBuffer)}
}

// deliver queues ev without ever blocking the producer. Progress events on
// a full buffer are dropped; terminal events displace the oldest queued
// event instead, so the terminal event is never lost.
func (s *subscriber) deliver(ev Event, terminal bool) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		if !terminal {
			return
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// emitLocked broadcasts ev to all subscribers. Callers hold j.mu.
func (j *job) emitLocked(ev Event, terminal bool) {
	for _, s := range j.subs {
		s.deliver(ev, terminal)
	}
	if terminal {
		for _, s := range j.subs {
			close(s.ch)
		}
		j.subs = nil
		j.closed = true
	}
}

func (j *job) terminalEventLocked() Event {
	if j.status == StatusCancelled {
		return Event{Type: EventCancelled, JobID: j.id, Status: j.status}
	}
	return Event{Type: EventEnd, JobID: j.id, Status: j.status, ExitCode: j.exitCode}
}
