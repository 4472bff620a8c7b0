package lease

import (
	"context"
	"testing"
	"time"

	"github.com/descartes-run/descartes/errs"
)

func TestAcquireNonBlockingConflict(t *testing.T) {
	m := New()
	if _, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 0, false)
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

// TestLeaseContentionHandoff is the blocking-contention scenario: agent X
// holds a.go, agent Y blocks waiting for it, and the moment X releases, Y's
// blocked Acquire call returns successfully with the lease (S6).
func TestLeaseContentionHandoff(t *testing.T) {
	m := New()
	lx, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("x acquire: %v", err)
	}

	type outcome struct {
		l   *Lease
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		l, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 5*time.Second, true)
		done <- outcome{l, err}
	}()

	// Give the goroutine a moment to enqueue before releasing.
	time.Sleep(20 * time.Millisecond)

	if err := m.Release(lx.ID, "agent-x"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("y acquire: %v", out.err)
		}
		if out.l.Holder != "agent-y" {
			t.Errorf("expected agent-y to hold the lease, got %s", out.l.Holder)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handoff")
	}

	if !m.IsLocked("a.go") {
		t.Error("expected a.go to still be locked, now by agent-y")
	}
}

func TestAcquireBlockingTimesOut(t *testing.T) {
	m := New()
	if _, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 30*time.Millisecond, true)
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected Conflict from timeout, got %v", err)
	}
}

func TestRenewExtendsAndEnforcesBudget(t *testing.T) {
	m := New()
	l, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 1, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	renewed, err := m.Renew(l.ID, "agent-x", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.After(l.ExpiresAt) {
		t.Error("expected renewal to push expiry forward")
	}

	if _, err := m.Renew(l.ID, "agent-x", time.Minute); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected renewal budget exhausted, got %v", err)
	}
}

func TestRenewDeniedForNonHolder(t *testing.T) {
	m := New()
	l, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Renew(l.ID, "agent-y", time.Minute); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected Conflict for non-holder renew, got %v", err)
	}
}

// TestNoOverlappingActiveLeases is the P6-style invariant: only one Active
// lease can ever exist on a given path at a time.
func TestNoOverlappingActiveLeases(t *testing.T) {
	m := New()
	l1, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(l1.ID, "agent-x"); err != nil {
		t.Fatalf("release: %v", err)
	}
	l2, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if l1.ID == l2.ID {
		t.Error("expected a distinct lease after re-acquisition")
	}
	leases := m.GetFileLeases("a.go")
	if len(leases) != 1 || leases[0].Holder != "agent-y" {
		t.Errorf("expected exactly one active lease held by agent-y, got %+v", leases)
	}
}

func TestCleanupExpiredWakesWaiter(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(WithClock(func() time.Time { return clock() }))

	l, err := m.Acquire(context.Background(), "a.go", "agent-x", 10*time.Millisecond, 3, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	type outcome struct {
		l   *Lease
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		lr, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 2*time.Second, true)
		done <- outcome{lr, err}
	}()
	time.Sleep(20 * time.Millisecond)

	now = now.Add(time.Hour) // force l past ExpiresAt
	n := m.CleanupExpired()
	if n != 1 {
		t.Fatalf("expected 1 expired lease, got %d", n)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("y acquire after cleanup: %v", out.err)
		}
		if out.l.Holder != "agent-y" {
			t.Errorf("expected agent-y granted after expiry sweep, got %s", out.l.Holder)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleanup to wake waiter")
	}

	if l.Status != StatusExpired {
		t.Errorf("expected original lease to be marked expired, got %s", l.Status)
	}
}

// TestAcquireRespectsQueueOnUncollectedExpiry reproduces a lease that has
// passed its ExpiresAt but hasn't yet been swept by CleanupExpired, with
// another agent already queued behind it. A third, racing Acquire must
// join the back of the queue rather than jumping it via the
// not-currently-active fast path.
func TestAcquireRespectsQueueOnUncollectedExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(WithClock(func() time.Time { return clock() }))

	if _, err := m.Acquire(context.Background(), "a.go", "agent-x", 10*time.Millisecond, 3, 0, false); err != nil {
		t.Fatalf("x acquire: %v", err)
	}

	type outcome struct {
		l   *Lease
		err error
	}
	yDone := make(chan outcome, 1)
	go func() {
		l, err := m.Acquire(context.Background(), "a.go", "agent-y", time.Minute, 3, 2*time.Second, true)
		yDone <- outcome{l, err}
	}()
	time.Sleep(20 * time.Millisecond)

	now = now.Add(time.Hour) // x's lease is now expired but not yet swept

	// z races in after x's lease has expired but before any sweep. Since y
	// is already queued, z must not cut in front of it.
	zDone := make(chan outcome, 1)
	go func() {
		l, err := m.Acquire(context.Background(), "a.go", "agent-z", time.Minute, 3, 2*time.Second, true)
		zDone <- outcome{l, err}
	}()
	time.Sleep(20 * time.Millisecond)

	n := m.CleanupExpired()
	if n != 1 {
		t.Fatalf("expected 1 expired lease, got %d", n)
	}

	var ly *Lease
	select {
	case out := <-yDone:
		if out.err != nil {
			t.Fatalf("y acquire: %v", out.err)
		}
		if out.l.Holder != "agent-y" {
			t.Fatalf("expected agent-y granted first (FIFO), got %s", out.l.Holder)
		}
		ly = out.l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for y's handoff")
	}

	select {
	case out := <-zDone:
		t.Fatalf("z should still be queued behind y, got %+v", out)
	default:
	}

	if err := m.Release(ly.ID, "agent-y"); err != nil {
		t.Fatalf("release y: %v", err)
	}

	select {
	case out := <-zDone:
		if out.err != nil {
			t.Fatalf("z acquire: %v", out.err)
		}
		if out.l.Holder != "agent-z" {
			t.Fatalf("expected agent-z granted after y releases, got %s", out.l.Holder)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for z's handoff")
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	m := New()
	l, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(l.ID, "agent-y"); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected Conflict releasing someone else's lease, got %v", err)
	}
}

func TestGetAgentLeases(t *testing.T) {
	m := New()
	if _, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := m.Acquire(context.Background(), "b.go", "agent-x", time.Minute, 3, 0, false); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	leases := m.GetAgentLeases("agent-x")
	if len(leases) != 2 {
		t.Errorf("expected 2 leases for agent-x, got %d", len(leases))
	}
}

func TestActiveCount(t *testing.T) {
	m := New()
	if n := m.ActiveCount(); n != 0 {
		t.Fatalf("expected 0 active leases, got %d", n)
	}
	l, err := m.Acquire(context.Background(), "a.go", "agent-x", time.Minute, 3, 0, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := m.ActiveCount(); n != 1 {
		t.Errorf("expected 1 active lease, got %d", n)
	}
	if err := m.Release(l.ID, "agent-x"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n := m.ActiveCount(); n != 0 {
		t.Errorf("expected 0 active leases after release, got %d", n)
	}
}
