package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/tickler/internal/events"
	"github.com/nugget/tickler/internal/reminder"
)

// recordingNotifier records sends and fails while err is set.
type recordingNotifier struct {
	mu    sync.Mutex
	sends []sent
	err   error
	block bool
}

type sent struct {
	phone, text string
}

func (n *recordingNotifier) Send(ctx context.Context, phone, text string) error {
	n.mu.Lock()
	block, err := n.block, n.err
	n.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, sent{phone, text})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

func openStore(t *testing.T) *reminder.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "scheduler.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := reminder.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

var t0 = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

func createReminder(t *testing.T, s *reminder.Store, title string, at time.Time) *reminder.Reminder {
	t.Helper()
	r := &reminder.Reminder{
		UserID:         "alice",
		ConversationID: "c1",
		PhoneNumber:    "+15125550100",
		Title:          title,
		ScheduledFor:   at,
	}
	if err := s.Create(t.Context(), r, t0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func newTestScheduler(store Store, n *recordingNotifier, bus *events.Bus, at time.Time) *Scheduler {
	s := New(nil, store, n, bus, Config{SendTimeout: time.Second})
	s.now = func() time.Time { return at }
	return s
}

func TestTick_DeliversDueReminderOnce(t *testing.T) {
	store := openStore(t)
	r := createReminder(t, store, "Call mom", t0.Add(time.Second))
	createReminder(t, store, "Later", t0.Add(time.Hour))

	n := &recordingNotifier{}
	bus := events.New()
	feed := bus.Subscribe(16)
	defer bus.Unsubscribe(feed)

	// Before the reminder is due nothing happens.
	if res := newTestScheduler(store, n, bus, t0).Tick(t.Context()); res.Due != 0 || n.count() != 0 {
		t.Fatalf("early tick = %+v, sends %d", res, n.count())
	}

	s := newTestScheduler(store, n, bus, t0.Add(2*time.Second))
	res := s.Tick(t.Context())
	if res.Due != 1 || res.Claimed != 1 || res.Sent != 1 || res.Failed != 0 {
		t.Errorf("tick = %+v", res)
	}
	if n.count() != 1 {
		t.Fatalf("sends = %d, want 1", n.count())
	}
	if got := n.sends[0]; got.phone != r.PhoneNumber || got.text != FormatMessage(r, time.UTC) {
		t.Errorf("send = %+v", got)
	}

	stored, _ := store.Get(t.Context(), r.ID)
	if stored.Status != reminder.StatusSent || stored.SentAt == nil {
		t.Errorf("stored = %+v, want sent", stored)
	}

	if res := s.Tick(t.Context()); res.Due != 0 || n.count() != 1 {
		t.Errorf("second tick = %+v, sends %d", res, n.count())
	}

	seen := map[string]bool{}
	for len(feed) > 0 {
		seen[(<-feed).Kind] = true
	}
	if !seen[events.KindReminderDelivered] || !seen[events.KindTickComplete] {
		t.Errorf("bus events = %v", seen)
	}
}

// editingStore lets the owner retitle a reminder after the tick found
// it but before the claim lands.
type editingStore struct {
	*reminder.Store
	title string
	at    time.Time
}

func (s *editingStore) Claim(ctx context.Context, id, claimID string, now, leaseUntil time.Time) (*reminder.Reminder, error) {
	if _, err := s.Update(ctx, id, "alice", reminder.Patch{Title: &s.title}, s.at); err != nil {
		return nil, fmt.Errorf("update before claim: %w", err)
	}
	return s.Store.Claim(ctx, id, claimID, now, leaseUntil)
}

func TestTick_SendsTextAsClaimed(t *testing.T) {
	store := openStore(t)
	r := createReminder(t, store, "Call mom", t0.Add(time.Second))
	at := t0.Add(2 * time.Second)

	n := &recordingNotifier{}
	s := newTestScheduler(&editingStore{Store: store, title: "Call dad", at: at}, n, nil, at)
	if res := s.Tick(t.Context()); res.Sent != 1 {
		t.Fatalf("tick = %+v", res)
	}

	stored, _ := store.Get(t.Context(), r.ID)
	if stored.Title != "Call dad" || stored.Status != reminder.StatusSent {
		t.Fatalf("stored = title %q status %s", stored.Title, stored.Status)
	}
	if n.count() != 1 {
		t.Fatalf("sends = %d, want 1", n.count())
	}
	if got, want := n.sends[0].text, FormatMessage(stored, time.UTC); got != want {
		t.Errorf("sent %q, want %q", got, want)
	}
	if strings.Contains(n.sends[0].text, "Call mom") {
		t.Errorf("stale title went out: %q", n.sends[0].text)
	}
}

func TestTick_FailureLeavesReminderPending(t *testing.T) {
	store := openStore(t)
	r := createReminder(t, store, "Call mom", t0.Add(time.Minute))
	ok := createReminder(t, store, "Water plants", t0.Add(time.Minute))

	n := &recordingNotifier{err: errors.New("gateway down")}
	s := newTestScheduler(store, n, nil, t0.Add(2*time.Minute))

	res := s.Tick(t.Context())
	if res.Failed != 2 || res.Sent != 0 {
		t.Errorf("tick = %+v", res)
	}
	for _, id := range []string{r.ID, ok.ID} {
		got, _ := store.Get(t.Context(), id)
		if got.DisplayStatus() != reminder.StatusPending || got.Attempts != 1 || !strings.Contains(got.LastError, "gateway down") {
			t.Errorf("after failure %+v", got)
		}
	}

	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()
	if res := s.Tick(t.Context()); res.Sent != 2 {
		t.Errorf("retry tick = %+v", res)
	}
}

func TestTick_SendTimeoutIsPerReminder(t *testing.T) {
	store := openStore(t)
	r := createReminder(t, store, "Slow", t0.Add(time.Minute))

	n := &recordingNotifier{block: true}
	s := New(nil, store, n, nil, Config{SendTimeout: 20 * time.Millisecond})
	s.now = func() time.Time { return t0.Add(2 * time.Minute) }

	res := s.Tick(t.Context())
	if res.Failed != 1 {
		t.Errorf("tick = %+v", res)
	}
	got, _ := store.Get(t.Context(), r.ID)
	if got.Status != reminder.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

func TestTick_ReplicasNeverDoubleSend(t *testing.T) {
	store := openStore(t)
	const total = 20
	for i := range total {
		createReminder(t, store, fmt.Sprintf("r%d", i), t0.Add(time.Minute))
	}

	n := &recordingNotifier{}
	at := t0.Add(2 * time.Minute)
	replicas := []*Scheduler{
		newTestScheduler(store, n, nil, at),
		newTestScheduler(store, n, nil, at),
		newTestScheduler(store, n, nil, at),
	}

	var wg sync.WaitGroup
	for _, s := range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(t.Context())
		}()
	}
	wg.Wait()

	if n.count() != total {
		t.Errorf("sends = %d, want %d", n.count(), total)
	}
	texts := map[string]int{}
	for _, s := range n.sends {
		texts[s.text]++
	}
	for text, c := range texts {
		if c != 1 {
			t.Errorf("%q sent %d times", text, c)
		}
	}
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	s := newTestScheduler(openStore(t), &recordingNotifier{}, nil, t0)
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if res := s.Tick(t.Context()); res.Skipped != "in_progress" {
		t.Errorf("tick = %+v", res)
	}
}

type fakeLocker struct {
	ok       bool
	err      error
	released bool
}

func (l *fakeLocker) TryLock(context.Context, time.Duration) (func(), bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func() { l.released = true }, true, nil
}

func TestTick_ReplicaLock(t *testing.T) {
	store := openStore(t)
	createReminder(t, store, "Call mom", t0.Add(time.Minute))
	at := t0.Add(2 * time.Minute)

	tests := []struct {
		name     string
		locker   *fakeLocker
		wantSent int
		skipped  string
	}{
		{"held elsewhere", &fakeLocker{ok: false}, 0, "locked"},
		{"redis down", &fakeLocker{err: errors.New("connection refused")}, 1, ""},
		{"acquired", &fakeLocker{ok: true}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, store, &recordingNotifier{}, nil, Config{Locker: tt.locker})
			s.now = func() time.Time { return at }
			res := s.Tick(t.Context())
			if res.Skipped != tt.skipped || res.Sent != tt.wantSent {
				t.Errorf("tick = %+v", res)
			}
			if tt.locker.ok && !tt.locker.released {
				t.Error("lock not released")
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	store := openStore(t)
	createReminder(t, store, "Call mom", t0.Add(time.Minute))

	n := &recordingNotifier{}
	s := New(nil, store, n, nil, Config{Interval: 10 * time.Millisecond})
	s.Start(t.Context())
	s.Start(t.Context())

	deadline := time.Now().Add(5 * time.Second)
	for n.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if n.count() != 1 {
		t.Errorf("sends = %d, want 1", n.count())
	}
}

func TestFormatMessage(t *testing.T) {
	chicago := time.FixedZone("CDT", -5*3600)
	r := &reminder.Reminder{
		Title:        "Call mom",
		ScheduledFor: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
	}
	want := "Reminder: Call mom\nScheduled for Sat Mar 14, 2026 at 3:00 PM CDT"
	if got := FormatMessage(r, chicago); got != want {
		t.Errorf("FormatMessage = %q, want %q", got, want)
	}

	r.Description = "ask about the trip"
	want = "Reminder: Call mom\nask about the trip\nScheduled for Sat Mar 14, 2026 at 3:00 PM CDT"
	if got := FormatMessage(r, chicago); got != want {
		t.Errorf("FormatMessage = %q, want %q", got, want)
	}
}
