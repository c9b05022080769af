package keeper

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the position of the cycle state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseValidating
	PhaseSubmitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseValidating:
		return "validating"
	case PhaseSubmitting:
		return "submitting"
	default:
		return "unknown"
	}
}

// State is the process-wide cycle state. The phase doubles as the
// single-flight token: a cycle starts only by swapping Idle for Scanning.
type State struct {
	phase    atomic.Int32
	interval time.Duration

	mu       sync.RWMutex
	lastScan time.Time
	nextScan time.Time
}

// NewState returns a state that has never run.
func NewState(interval time.Duration) *State {
	return &State{interval: interval}
}

// Status is the read-only projection served to monitors.
type Status struct {
	LastScanTime         *time.Time `json:"lastScanTime"`
	NextScanTime         *time.Time `json:"nextScanTime"`
	SecondsUntilNextScan int64      `json:"secondsUntilNextScan"`
	ScanIntervalSeconds  int64      `json:"scanIntervalSeconds"`
	IsScanning           bool       `json:"isScanning"`
	Phase                string     `json:"phase"`
}

func (s *State) tryBegin(now time.Time) bool {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseScanning)) {
		return false
	}
	s.mu.Lock()
	s.lastScan = now
	s.nextScan = now.Add(s.interval)
	s.mu.Unlock()
	return true
}

func (s *State) advance(p Phase) {
	s.phase.Store(int32(p))
}

func (s *State) finish() {
	s.phase.Store(int32(PhaseIdle))
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// Status reports the last known state as of now. It never blocks on I/O.
func (s *State) Status(now time.Time) Status {
	phase := s.Phase()
	st := Status{
		ScanIntervalSeconds: int64(s.interval / time.Second),
		IsScanning:          phase != PhaseIdle,
		Phase:               phase.String(),
	}

	s.mu.RLock()
	last, next := s.lastScan, s.nextScan
	s.mu.RUnlock()

	if !last.IsZero() {
		st.LastScanTime = &last
	}
	if !next.IsZero() {
		st.NextScanTime = &next
		if remaining := next.Sub(now); remaining > 0 {
			st.SecondsUntilNextScan = int64(remaining / time.Second)
		}
	}
	return st
}
