package checkpoint

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/logflow/tickflow/pkg/clock"
)

// ErrLeaseHeld is returned when another owner holds the lease.
var ErrLeaseHeld = stderrors.New("lease already held")

// Leaser grants exclusive ownership of a shard cursor across runtime
// instances, so only one cycle per shard is in flight cluster-wide.
type Leaser interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (Releaser, error)
}

// Releaser ends or renews a lease. Extend fails with ErrLeaseHeld once the
// lease has expired or passed to another owner.
type Releaser interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context) error
}

// LocalLeaser is an in-process Leaser with expiring entries.
type LocalLeaser struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]time.Time
}

// NewLocalLeaser creates a leaser driven by c (wall clock when nil).
func NewLocalLeaser(c clock.Clock) *LocalLeaser {
	return &LocalLeaser{clock: clock.OrReal(c), leases: make(map[string]time.Time)}
}

func (l *LocalLeaser) Acquire(ctx context.Context, id string, ttl time.Duration) (Releaser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if exp, ok := l.leases[id]; ok && now.Before(exp) {
		return nil, ErrLeaseHeld
	}
	exp := now.Add(ttl)
	l.leases[id] = exp
	return &localLease{owner: l, id: id, ttl: ttl, exp: exp}, nil
}

type localLease struct {
	owner *LocalLeaser
	id    string
	ttl   time.Duration
	exp   time.Time
}

func (l *localLease) Extend(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	now := l.owner.clock.Now()
	if !l.owner.leases[l.id].Equal(l.exp) || !now.Before(l.exp) {
		return ErrLeaseHeld
	}
	l.exp = now.Add(l.ttl)
	l.owner.leases[l.id] = l.exp
	return nil
}

func (l *localLease) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.leases[l.id].Equal(l.exp) {
		delete(l.owner.leases, l.id)
	}
	return nil
}
