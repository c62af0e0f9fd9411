// Package scheduler delivers due reminders. Every tick it finds pending
// reminders whose time has come, claims each one, and sends the claimed
// ones through a notifier. A failed send releases the claim so the next
// tick retries it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/notify"
	"github.com/nugget/tickler/internal/reminder"
)

// Defaults for zero Config fields.
const (
	DefaultInterval    = time.Minute
	DefaultClaimLease  = 2 * time.Minute
	DefaultSendTimeout = 30 * time.Second
	DefaultConcurrency = 4
	DefaultBatchSize   = 100
)

// finishTimeout bounds the MarkSent/Release write after a send, which
// runs even when the tick's context has been cancelled.
const finishTimeout = 5 * time.Second

// Store is the delivery side of the reminder store.
type Store interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]*reminder.Reminder, error)
	Claim(ctx context.Context, id, claimID string, now, leaseUntil time.Time) (*reminder.Reminder, error)
	MarkSent(ctx context.Context, id, claimID string, now time.Time) error
	Release(ctx context.Context, id, claimID string, now time.Time, errText string) error
}

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration
	ClaimLease  time.Duration
	SendTimeout time.Duration
	Concurrency int
	BatchSize   int
	Location    *time.Location

	// Locker, when set, lets only one replica tick at a time.
	Locker Locker

	// StartIdle skips the immediate tick on Start.
	StartIdle bool
}

// TickResult summarizes one tick.
type TickResult struct {
	TickID  string        `json:"tick_id,omitempty"`
	Skipped string        `json:"skipped,omitempty"`
	Due     int           `json:"due"`
	Claimed int           `json:"claimed"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`
}

// Scheduler runs delivery ticks on a fixed interval.
type Scheduler struct {
	logger   *slog.Logger
	store    Store
	notifier notify.Notifier
	bus      *events.Bus
	cfg      Config
	now      func() time.Time

	// tickMu serializes ticks within the process.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. bus may be nil.
func New(logger *slog.Logger, store Store, notifier notify.Notifier, bus *events.Bus, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		logger:   logger.With("component", "scheduler"),
		store:    store,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start begins ticking in the background until Stop is called or ctx
// is cancelled. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopCh)

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"concurrency", s.cfg.Concurrency,
		"replica_lock", s.cfg.Locker != nil,
	)
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	// A tick still running at shutdown sees its context cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !s.cfg.StartIdle {
		s.Tick(ctx)
	}

	// A ticker drops ticks a slow receiver misses, so ticks never pile up.
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one delivery pass. Concurrent calls in the same process
// are skipped rather than queued.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.tickMu.TryLock() {
		s.logger.Warn("tick skipped, previous tick still running")
		return TickResult{Skipped: "in_progress"}
	}
	defer s.tickMu.Unlock()

	start := s.now()
	res := TickResult{TickID: uuid.Must(uuid.NewV7()).String()}
	log := s.logger.With("tick_id", res.TickID)

	if s.cfg.Locker != nil {
		release, ok, err := s.cfg.Locker.TryLock(ctx, s.cfg.ClaimLease)
		switch {
		case err != nil:
			// Claims still keep replicas from double-sending.
			log.Warn("replica lock unavailable, ticking without it", "error", err)
		case !ok:
			log.Debug("another replica holds the tick lock")
			res.Skipped = "locked"
			return res
		default:
			defer release()
		}
	}

	due, err := s.store.FindDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		log.Error("find due reminders failed", "error", err)
		res.Err = err
		return res
	}
	res.Due = len(due)

	var claimed, sent, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, r := range due {
		g.Go(func() error {
			switch s.deliver(ctx, log, res.TickID, r) {
			case outcomeSent:
				claimed.Add(1)
				sent.Add(1)
			case outcomeFailed:
				claimed.Add(1)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Claimed = int(claimed.Load())
	res.Sent = int(sent.Load())
	res.Failed = int(failed.Load())
	res.Elapsed = s.now().Sub(start)

	level := slog.LevelDebug
	if res.Due > 0 {
		level = slog.LevelInfo
	}
	log.Log(ctx, level, "tick complete",
		"due", res.Due,
		"claimed", res.Claimed,
		"sent", res.Sent,
		"failed", res.Failed,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	s.bus.Emit(events.SourceScheduler, events.KindTickComplete, map[string]any{
		"tick_id":    res.TickID,
		"due":        res.Due,
		"claimed":    res.Claimed,
		"sent":       res.Sent,
		"failed":     res.Failed,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
	return res
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// deliver claims, sends and settles one reminder. The text comes from
// the claimed row, not the scan, so edits made in between go out.
// Errors stay scoped to this reminder.
func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, tickID string, due *reminder.Reminder) outcome {
	log = log.With("reminder_id", due.ID)

	now := s.now()
	r, err := s.store.Claim(ctx, due.ID, tickID, now, now.Add(s.cfg.ClaimLease))
	if err != nil {
		if errors.Is(err, reminder.ErrClaimLost) {
			log.Debug("reminder claimed elsewhere")
		} else {
			log.Error("claim failed", "error", err)
		}
		return outcomeSkipped
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err = s.notifier.Send(sendCtx, r.PhoneNumber, FormatMessage(r, s.cfg.Location))
	cancel()

	// Settle even if the tick is being cancelled, so a shutdown does
	// not leave the claim to expire.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer finishCancel()

	if err != nil {
		log.Warn("reminder delivery failed, will retry next tick", "error", err)
		if relErr := s.store.Release(finishCtx, r.ID, tickID, s.now(), err.Error()); relErr != nil {
			log.Error("release claim failed", "error", relErr)
		}
		s.bus.Emit(events.SourceScheduler, events.KindReminderFailed, map[string]any{
			"reminder_id": r.ID,
			"tick_id":     tickID,
			"error":       err.Error(),
		})
		return outcomeFailed
	}

	if err := s.store.MarkSent(finishCtx, r.ID, tickID, s.now()); err != nil {
		// The text went out; an expired lease could resend it.
		log.Error("mark sent failed after delivery", "error", err)
	}
	log.Info("reminder delivered", "phone", r.PhoneNumber)
	s.bus.Emit(events.SourceScheduler, events.KindReminderDelivered, map[string]any{
		"reminder_id": r.ID,
		"tick_id":     tickID,
	})
	return outcomeSent
}
