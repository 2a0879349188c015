// Package mock implements domain.ExecutionSubstrate deterministically, in
// memory, for unit tests of the dispatch worker's crash-only logic. It
// never touches Docker or any external system.
package mock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderunner/evalplatform/internal/domain"
)

type job struct {
	evalID   string
	phase    domain.SandboxPhase
	exitCode *int
	stdout   []byte
	stderr   []byte
	gone     bool
}

// Substrate is a deterministic in-memory execution substrate. A command
// containing the substring "fail" exits 1; everything else exits 0. A
// command containing "hang" never reaches a terminal phase on its own,
// for exercising watchdog timeout logic.
type Substrate struct {
	mu        sync.Mutex
	jobs      map[string]*job
	watchers  []chan domain.SandboxLifecycleEvent
	runDelay  time.Duration
	vanishAge time.Duration
}

// New constructs a Substrate. runDelay simulates the time between
// CreateJob and the job reaching a terminal phase; zero means immediate.
func New(runDelay time.Duration) *Substrate {
	return &Substrate{jobs: make(map[string]*job), runDelay: runDelay, vanishAge: time.Hour}
}

// CreateJob synchronously "runs" the command per the deterministic rule
// above and schedules its terminal event after runDelay.
func (s *Substrate) CreateJob(ctx domain.Context, evalID, command, language string, timeout time.Duration, limits domain.ResourceLimits, isolationProfile string) (string, error) {
	jobID := uuid.New().String()
	j := &job{evalID: evalID, phase: domain.SandboxPending}

	s.mu.Lock()
	s.jobs[jobID] = j
	s.mu.Unlock()

	go func() {
		if s.runDelay > 0 {
			select {
			case <-time.After(s.runDelay):
			case <-ctx.Done():
				return
			}
		}
		if strings.Contains(command, "hang") {
			s.transition(jobID, domain.SandboxRunning, nil, nil, nil)
			return
		}
		code := 0
		stdout := []byte(fmt.Sprintf("ran: %s\n", command))
		var stderr []byte
		phase := domain.SandboxSucceeded
		if strings.Contains(command, "fail") {
			code = 1
			phase = domain.SandboxFailed
			stderr = []byte("simulated failure\n")
		}
		s.transition(jobID, phase, &code, stdout, stderr)
	}()

	return jobID, nil
}

func (s *Substrate) transition(jobID string, phase domain.SandboxPhase, exitCode *int, stdout, stderr []byte) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.phase = phase
	j.exitCode = exitCode
	if stdout != nil {
		j.stdout = stdout
	}
	if stderr != nil {
		j.stderr = stderr
	}
	watchers := append([]chan domain.SandboxLifecycleEvent(nil), s.watchers...)
	s.mu.Unlock()

	evt := domain.SandboxLifecycleEvent{JobID: jobID, Phase: phase, ExitCode: exitCode}
	for _, w := range watchers {
		select {
		case w <- evt:
		default:
		}
	}
}

// WatchJobs returns a stream fed by every CreateJob transition regardless
// of labelSelector; the mock substrate has only one caller at a time in
// tests, so label filtering adds no value here.
func (s *Substrate) WatchJobs(ctx domain.Context, labelSelector string) (<-chan domain.SandboxLifecycleEvent, <-chan error, error) {
	ch := make(chan domain.SandboxLifecycleEvent, 64)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(errs)
	}()

	return ch, errs, nil
}

// ReadLogs returns the captured bytes, or ErrNotFound once the job has
// been marked gone by MarkGone (simulating substrate-side garbage
// collection after the retention window).
func (s *Substrate) ReadLogs(ctx domain.Context, jobID string, stream domain.LogStream) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.gone {
		return nil, fmt.Errorf("op=substrate.mock.ReadLogs job_id=%s: %w", jobID, domain.ErrNotFound)
	}
	if stream == domain.LogStdout {
		return j.stdout, nil
	}
	return j.stderr, nil
}

// Inspect returns the job's current state, or ErrNotFound if MarkGone was
// called — the race the dispatch worker's watcher must tolerate.
func (s *Substrate) Inspect(ctx domain.Context, jobID string) (domain.SandboxJobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.gone {
		return domain.SandboxJobHandle{}, fmt.Errorf("op=substrate.mock.Inspect job_id=%s: %w", jobID, domain.ErrNotFound)
	}
	return domain.SandboxJobHandle{JobID: jobID, EvalID: j.evalID, Phase: j.phase, ExitCode: j.exitCode}, nil
}

// Terminate marks the job failed (if not already terminal) and idempotent
// on repeated calls.
func (s *Substrate) Terminate(ctx domain.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if !j.phase.Terminal() {
		code := -1
		s.transition(jobID, domain.SandboxFailed, &code, nil, []byte("terminated\n"))
	}
	return nil
}

// MarkGone simulates the substrate having garbage-collected jobID: further
// Inspect/ReadLogs calls return ErrNotFound, the specific race a
// crash-only watcher must tolerate rather than trust local bookkeeping.
func (s *Substrate) MarkGone(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.gone = true
	}
}
