// Package lease implements the advisory, TTL-bounded file locks described
// in §4.6. A lease grants one agent exclusive intent to edit a path for a
// bounded duration; it is advisory only; nothing stops a process from
// touching the file without one. Contention is resolved FIFO: an agent
// that blocks on a held path is queued and handed the lease directly, in
// arrival order, the moment it's released or expires.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
)

// Status is a lease's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusReleased Status = "released"
)

// DefaultTTL is used when Acquire/Renew is called with ttl <= 0.
const DefaultTTL = 5 * time.Minute

// Lease is one grant of exclusive intent over a path.
type Lease struct {
	ID           string
	Path         string
	Holder       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RenewalsUsed int
	MaxRenewals  int
	Status       Status
}

func (l *Lease) clone() *Lease {
	c := *l
	return &c
}

type waiter struct {
	agent       string
	ttl         time.Duration
	maxRenewals int
	result      chan acquireOutcome
}

type acquireOutcome struct {
	lease *Lease
	err   error
}

// Store persists lease state across restarts. Implementations (e.g. a
// sqlite-backed one) must make Save/Delete durable before returning.
type Store interface {
	LoadAll(ctx context.Context) ([]*Lease, error)
	Save(ctx context.Context, l *Lease) error
	Delete(ctx context.Context, id string) error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager tracks at most one active lease per path, plus a FIFO queue of
// agents blocked on each contended path.
type Manager struct {
	mu      sync.Mutex
	byPath  map[string]*Lease
	byID    map[string]*Lease
	waiters map[string][]*waiter
	store   Store
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Manager. If opts supplies a Store, its persisted leases are
// loaded immediately; any still-active lease found is immediately subject
// to the restart-time expiry sweep: leases for which ExpiresAt is already
// past are dropped, never trusted to still be held by a live process.
func New(opts ...Option) *Manager {
	m := &Manager{
		byPath:  make(map[string]*Lease),
		byID:    make(map[string]*Lease),
		waiters: make(map[string][]*waiter),
		now:     time.Now,
		logger:  logging.Discard(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.store != nil {
		m.loadFromStore()
	}
	return m
}

func (m *Manager) loadFromStore() {
	leases, err := m.store.LoadAll(context.Background())
	if err != nil {
		m.logger.Warn("lease: failed to load persisted leases", "err", err)
		return
	}
	now := m.now()
	for _, l := range leases {
		if l.Status != StatusActive || !now.Before(l.ExpiresAt) {
			continue
		}
		m.byPath[l.Path] = l
		m.byID[l.ID] = l
	}
}

// Acquire grants a lease on path to agent, or queues/denies the request if
// one is already active. When blocking is true and timeout > 0, the caller
// waits FIFO for its turn, up to timeout or ctx cancellation; when
// blocking is false the call returns Conflict immediately if the path is
// held.
func (m *Manager) Acquire(ctx context.Context, path, agent string, ttl time.Duration, maxRenewals int, timeout time.Duration, blocking bool) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	existing, held := m.byPath[path]
	contended := held && m.isActiveLocked(existing)
	queued := len(m.waiters[path]) > 0
	if contended || queued {
		if !blocking {
			m.mu.Unlock()
			return nil, errs.Conflict(fmt.Sprintf("path %s is contended, %d waiter(s) queued", path, len(m.waiters[path])), nil)
		}

		w := &waiter{agent: agent, ttl: ttl, maxRenewals: maxRenewals, result: make(chan acquireOutcome, 1)}
		m.waiters[path] = append(m.waiters[path], w)
		m.mu.Unlock()

		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case out := <-w.result:
			return out.lease, out.err
		case <-timeoutCh:
			m.dequeue(path, w)
			return nil, errs.Conflict(fmt.Sprintf("timed out waiting for lease on %s", path), nil)
		case <-ctx.Done():
			m.dequeue(path, w)
			return nil, errs.Cancelled("acquire cancelled", ctx.Err())
		}
	}

	l := m.grantLocked(path, agent, ttl, maxRenewals)
	m.mu.Unlock()
	m.persist(l)
	return l, nil
}

// dequeue removes w from path's waiter queue, e.g. after it times out.
func (m *Manager) dequeue(path string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[path]
	for i, x := range ws {
		if x == w {
			m.waiters[path] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// grantLocked creates and indexes a new Active lease. Caller holds m.mu.
func (m *Manager) grantLocked(path, agent string, ttl time.Duration, maxRenewals int) *Lease {
	now := m.now()
	l := &Lease{
		ID:          descartes.NewID(),
		Path:        path,
		Holder:      agent,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		MaxRenewals: maxRenewals,
		Status:      StatusActive,
	}
	m.byPath[path] = l
	m.byID[l.ID] = l
	return l
}

func (m *Manager) isActiveLocked(l *Lease) bool {
	return l.Status == StatusActive && m.now().Before(l.ExpiresAt)
}

// Renew extends an active lease's TTL, provided agent is the current
// holder and MaxRenewals hasn't been exhausted.
func (m *Manager) Renew(id, agent string, newTTL time.Duration) (*Lease, error) {
	m.mu.Lock()
	l, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, errs.NotFound(fmt.Sprintf("lease %s", id), nil)
	}
	if l.Holder != agent {
		m.mu.Unlock()
		return nil, errs.Conflict("renew denied: not the lease holder", nil)
	}
	if !m.isActiveLocked(l) {
		m.mu.Unlock()
		return nil, errs.Conflict("renew denied: lease is not active", nil)
	}
	if l.RenewalsUsed >= l.MaxRenewals {
		m.mu.Unlock()
		return nil, errs.Conflict("renew denied: renewal budget exhausted", nil)
	}
	if newTTL <= 0 {
		newTTL = DefaultTTL
	}
	l.RenewalsUsed++
	l.ExpiresAt = m.now().Add(newTTL)
	out := l.clone()
	m.mu.Unlock()
	m.persist(out)
	return out, nil
}

// Release gives up a held lease. If another agent is queued for the same
// path, the lease is handed to it directly in FIFO order; no gap exists
// during which the path appears unheld to a racing Acquire, since the
// handoff happens under the same critical section as the release.
func (m *Manager) Release(id, agent string) error {
	m.mu.Lock()
	l, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound(fmt.Sprintf("lease %s", id), nil)
	}
	if l.Holder != agent {
		m.mu.Unlock()
		return errs.Conflict("release denied: not the lease holder", nil)
	}
	if l.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}

	l.Status = StatusReleased
	if m.byPath[l.Path] == l {
		delete(m.byPath, l.Path)
	}

	ws := m.waiters[l.Path]
	if len(ws) == 0 {
		m.mu.Unlock()
		m.persist(l)
		return nil
	}

	next := ws[0]
	m.waiters[l.Path] = ws[1:]
	newLease := m.grantLocked(l.Path, next.agent, next.ttl, next.maxRenewals)
	m.mu.Unlock()

	m.persist(l)
	m.persist(newLease)
	next.result <- acquireOutcome{lease: newLease}
	return nil
}

// IsLocked reports whether path currently has an active, unexpired lease.
func (m *Manager) IsLocked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byPath[path]
	return ok && m.isActiveLocked(l)
}

// GetAgentLeases returns every lease (of any status) ever held by agent
// that this Manager still has indexed.
func (m *Manager) GetAgentLeases(agent string) []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lease
	for _, l := range m.byID {
		if l.Holder == agent {
			out = append(out, l.clone())
		}
	}
	return out
}

// GetFileLeases returns the active lease on path, if any.
func (m *Manager) GetFileLeases(path string) []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byPath[path]
	if !ok {
		return nil
	}
	return []*Lease{l.clone()}
}

// ActiveCount returns the number of paths currently holding an active,
// unexpired lease.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.byPath {
		if m.isActiveLocked(l) {
			n++
		}
	}
	return n
}

// CleanupExpired scans every tracked path, marks any lease whose TTL has
// lapsed as Expired, and wakes the next waiter for that path (if any),
// exactly as Release does. Returns the count of leases it expired.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	now := m.now()
	var expired []*Lease
	var toGrant []struct {
		path string
		w    *waiter
	}

	for path, l := range m.byPath {
		if l.Status == StatusActive && !now.Before(l.ExpiresAt) {
			l.Status = StatusExpired
			delete(m.byPath, path)
			expired = append(expired, l)

			if ws := m.waiters[path]; len(ws) > 0 {
				toGrant = append(toGrant, struct {
					path string
					w    *waiter
				}{path, ws[0]})
				m.waiters[path] = ws[1:]
			}
		}
	}

	var granted []*Lease
	var outcomes []struct {
		w *waiter
		l *Lease
	}
	for _, g := range toGrant {
		nl := m.grantLocked(g.path, g.w.agent, g.w.ttl, g.w.maxRenewals)
		granted = append(granted, nl)
		outcomes = append(outcomes, struct {
			w *waiter
			l *Lease
		}{g.w, nl})
	}
	m.mu.Unlock()

	for _, l := range expired {
		m.persist(l)
	}
	for _, l := range granted {
		m.persist(l)
	}
	for _, o := range outcomes {
		o.w.result <- acquireOutcome{lease: o.l}
	}

	return len(expired)
}

func (m *Manager) persist(l *Lease) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(context.Background(), l); err != nil {
		m.logger.Warn("lease: persist failed", "lease", l.ID, "err", err)
	}
}
