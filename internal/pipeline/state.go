package pipeline

import "sync"

// State is one step of the crawl state machine.
type State string

// States, in the order a successful page passes through them.
const (
	StateInit        State = "INIT"
	StateResuming    State = "RESUMING"
	StateFetch       State = "FETCH"
	StateClassify    State = "CLASSIFY"
	StateRateLimited State = "RATE_LIMITED"
	StateTransform   State = "TRANSFORM"
	StateBuffer      State = "BUFFER"
	StateCheckpoint  State = "CHECKPOINT"
	StateContinue    State = "CONTINUE"
	StateStop        State = "STOP"
)

// StopReason explains why a run ended.
type StopReason string

// Stop reasons. The first three are checked in this order after every
// processed page.
const (
	StopExhausted     StopReason = "exhausted"
	StopNoNextPage    StopReason = "no_next_page"
	StopPageLimit     StopReason = "page_limit"
	StopTooManyErrors StopReason = "too_many_errors"
	StopInterrupted   StopReason = "interrupted"
	StopSinkFailure   StopReason = "sink_failure"
	StopUnexpected    StopReason = "unexpected"
)

// Snapshot is a point-in-time view of a running pipeline.
type Snapshot struct {
	State             State      `json:"state"`
	Page              int        `json:"page"`
	PagesThisRun      int        `json:"pages_this_run"`
	RecordsThisRun    int        `json:"records_this_run"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	Stopped           bool       `json:"stopped"`
	Reason            StopReason `json:"reason,omitempty"`
}

// status guards the snapshot read by the metrics server while the control
// goroutine mutates it.
type status struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (s *status) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

func (s *status) get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
