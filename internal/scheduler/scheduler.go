// Package scheduler runs the periodic proctoring pass: group synchronization
// and collecting room updates for running exams, disposal for finished ones.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"proctorhub/internal/groupsync"
	"proctorhub/pkg/types"
)

// DefaultInterval is the pause between two passes
const DefaultInterval = 15 * time.Second

// ExamSource lists exams by lifecycle state and resolves their settings
type ExamSource interface {
	ListRunningExams(ctx context.Context) ([]*types.Exam, error)
	ListFinishedExams(ctx context.Context) ([]*types.Exam, error)
	GetSettings(ctx context.Context, examID int64) (*types.ProctoringSettings, error)
}

// Holdings reports what proctoring state an exam still owns locally
type Holdings interface {
	ListRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error)
	ListGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error)
}

// Orchestrator is the work a pass delegates
type Orchestrator interface {
	SynchronizeGroups(ctx context.Context, exam *types.Exam) (*groupsync.Report, error)
	UpdateCollectingRooms(ctx context.Context, exam *types.Exam) error
	DisposeForExam(ctx context.Context, exam *types.Exam) error
}

// PassReport summarizes one pass
type PassReport struct {
	Running  int
	Updated  int
	Synced   int
	Disposed int
	Failures int
}

// Scheduler drives the background pass on a fixed interval
// ARCHITECTURAL DISCOVERY: Passes never overlap; a slow pass delays the next
// tick instead of stacking. Every failure is logged and retried next pass
// because the affected connections stay flagged
type Scheduler struct {
	exams        ExamSource
	holdings     Holdings
	orchestrator Orchestrator
	interval     time.Duration

	shutdown chan struct{}
	done     chan struct{}
	running  bool
	mu       sync.Mutex
	passMu   sync.Mutex
}

// New creates a scheduler; a non-positive interval uses DefaultInterval
func New(exams ExamSource, holdings Holdings, orchestrator Orchestrator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		exams:        exams,
		holdings:     holdings,
		orchestrator: orchestrator,
		interval:     interval,
	}
}

// Start launches the periodic pass
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	log.Printf("Starting proctoring scheduler: interval=%s", s.interval)
	go s.run(ctx, s.shutdown, s.done)
	return nil
}

// Stop ends the periodic pass and waits for an in-flight pass to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.shutdown)
	done := s.done
	s.mu.Unlock()

	<-done
	log.Println("Proctoring scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := s.RunOnce(ctx)
			if report.Failures > 0 {
				log.Printf("Proctoring pass finished with failures: running=%d disposed=%d failures=%d",
					report.Running, report.Disposed, report.Failures)
			}
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes one full pass
func (s *Scheduler) RunOnce(ctx context.Context) PassReport {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	var report PassReport

	running, err := s.exams.ListRunningExams(ctx)
	if err != nil {
		log.Printf("Failed to list running exams: %v", err)
		report.Failures++
	}
	for _, exam := range running {
		if ctx.Err() != nil {
			return report
		}
		s.updateExam(ctx, exam, &report)
	}

	finished, err := s.exams.ListFinishedExams(ctx)
	if err != nil {
		log.Printf("Failed to list finished exams: %v", err)
		report.Failures++
	}
	for _, exam := range finished {
		if ctx.Err() != nil {
			return report
		}
		s.disposeExam(ctx, exam, &report)
	}

	return report
}

func (s *Scheduler) updateExam(ctx context.Context, exam *types.Exam, report *PassReport) {
	settings, err := s.exams.GetSettings(ctx, exam.ID)
	if errors.Is(err, types.ErrNotEnabled) {
		return
	}
	if err != nil {
		log.Printf("Failed to load proctoring settings: exam=%d error=%v", exam.ID, err)
		report.Failures++
		return
	}
	if !settings.Enabled {
		return
	}
	report.Running++

	// FUNCTIONAL DISCOVERY: Groups are synchronized before assignment so a
	// client never lands in a group the synchronizer is about to delete
	if settings.ServerType == types.ProviderScreenProctoring {
		syncReport, err := s.orchestrator.SynchronizeGroups(ctx, exam)
		if err != nil {
			log.Printf("Failed to synchronize groups: exam=%d error=%v", exam.ID, err)
			report.Failures++
		} else {
			report.Synced++
			report.Failures += syncReport.Failures
		}
	}

	if err := s.orchestrator.UpdateCollectingRooms(ctx, exam); err != nil {
		log.Printf("Failed to update collecting rooms: exam=%d error=%v", exam.ID, err)
		report.Failures++
		return
	}
	report.Updated++
}

func (s *Scheduler) disposeExam(ctx context.Context, exam *types.Exam, report *PassReport) {
	rooms, err := s.holdings.ListRooms(ctx, exam.ID)
	if err != nil {
		log.Printf("Failed to list rooms: exam=%d error=%v", exam.ID, err)
		report.Failures++
		return
	}
	groups, err := s.holdings.ListGroups(ctx, exam.ID)
	if err != nil {
		log.Printf("Failed to list groups: exam=%d error=%v", exam.ID, err)
		report.Failures++
		return
	}
	if len(rooms) == 0 && len(groups) == 0 {
		return
	}

	if err := s.orchestrator.DisposeForExam(ctx, exam); err != nil {
		log.Printf("Disposal incomplete: exam=%d error=%v", exam.ID, err)
		report.Failures++
	}
	report.Disposed++
}
