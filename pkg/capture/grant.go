package capture

import "sync"

// ExecutionGrant represents host-OS permission to keep running while the app
// is backgrounded. Release must be idempotent: the engine releases on stop,
// and the host may release through the expiry callback first.
type ExecutionGrant interface {
	Release()
}

// GrantProvider acquires an execution grant for the duration of a recording.
// onExpiry is invoked by the host when the grant is about to be revoked.
type GrantProvider interface {
	Acquire(onExpiry func()) (ExecutionGrant, error)
}

// NoopGrants satisfies GrantProvider for hosts without background limits.
type NoopGrants struct{}

func (NoopGrants) Acquire(func()) (ExecutionGrant, error) { return noopGrant{}, nil }

type noopGrant struct{}

func (noopGrant) Release() {}

// onceGrant wraps a grant so Release is safe to call from both the stop path
// and the expiry callback.
type onceGrant struct {
	inner ExecutionGrant
	once  sync.Once
}

func wrapGrant(inner ExecutionGrant) *onceGrant {
	return &onceGrant{inner: inner}
}

func (g *onceGrant) Release() {
	if g == nil || g.inner == nil {
		return
	}
	g.once.Do(g.inner.Release)
}
