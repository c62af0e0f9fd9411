package scheduler

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

const testLockKey = "tickler:tick:test"

func newRedisLocker(t *testing.T, mr *miniredis.Miniredis) *RedisLocker {
	t.Helper()
	l, err := NewRedisLocker(t.Context(), "redis://"+mr.Addr()+"/0", testLockKey)
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	l := newRedisLocker(t, mr)

	release, ok, err := l.TryLock(t.Context(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	if !mr.Exists(testLockKey) {
		t.Fatal("lock key not set")
	}
	if ttl := mr.TTL(testLockKey); ttl != time.Minute {
		t.Errorf("lock TTL = %s, want 1m", ttl)
	}

	release()
	if mr.Exists(testLockKey) {
		t.Error("lock key still set after release")
	}
}

func TestRedisLocker_HeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisLocker(t, mr)
	b := newRedisLocker(t, mr)

	if _, ok, err := a.TryLock(t.Context(), time.Minute); err != nil || !ok {
		t.Fatalf("replica a TryLock() = %v, %v", ok, err)
	}
	release, ok, err := b.TryLock(t.Context(), time.Minute)
	if err != nil || ok || release != nil {
		t.Errorf("replica b TryLock() = %v, %v, release set %v", ok, err, release != nil)
	}
}

func TestRedisLocker_StaleReleaseKeepsNewOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisLocker(t, mr)
	b := newRedisLocker(t, mr)

	releaseA, ok, err := a.TryLock(t.Context(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("replica a TryLock() = %v, %v", ok, err)
	}

	// a's tick overruns its lease; b takes the lock.
	mr.FastForward(time.Minute + time.Second)
	if mr.Exists(testLockKey) {
		t.Fatal("lock did not expire")
	}
	releaseB, ok, err := b.TryLock(t.Context(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("replica b TryLock() = %v, %v", ok, err)
	}
	owner, _ := mr.Get(testLockKey)

	releaseA()
	if got, err := mr.Get(testLockKey); err != nil || got != owner {
		t.Fatalf("after stale release key = %q, %v; want b's token %q", got, err, owner)
	}

	releaseB()
	if mr.Exists(testLockKey) {
		t.Error("lock key still set after owner release")
	}
}

func TestRedisLocker_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	l := newRedisLocker(t, mr)
	mr.Close()

	if _, ok, err := l.TryLock(t.Context(), time.Minute); err == nil || ok {
		t.Errorf("TryLock() with redis down = %v, %v; want error", ok, err)
	}
}

func TestNewRedisLocker_Errors(t *testing.T) {
	if _, err := NewRedisLocker(t.Context(), "http://not-redis", testLockKey); err == nil {
		t.Error("expected error for non-redis URL")
	}

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisLocker(t.Context(), "redis://"+addr+"/0", testLockKey); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestTick_RedisLockHeldByOtherReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	store := openStore(t)
	createReminder(t, store, "Call mom", t0.Add(time.Minute))
	at := t0.Add(2 * time.Minute)

	other := newRedisLocker(t, mr)
	release, ok, err := other.TryLock(t.Context(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("other replica TryLock() = %v, %v", ok, err)
	}

	n := &recordingNotifier{}
	s := New(nil, store, n, nil, Config{Locker: newRedisLocker(t, mr)})
	s.now = func() time.Time { return at }

	if res := s.Tick(t.Context()); res.Skipped != "locked" || n.count() != 0 {
		t.Fatalf("tick while held = %+v, sends %d", res, n.count())
	}

	release()
	if res := s.Tick(t.Context()); res.Sent != 1 || n.count() != 1 {
		t.Errorf("tick after release = %+v, sends %d", res, n.count())
	}
	if mr.Exists(testLockKey) {
		t.Error("tick did not release the lock")
	}
}
