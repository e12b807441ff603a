// Package arbiter grants exclusive ownership of the local microphone and
// audio output. Acquiring revokes the current holder and waits until that
// holder has released before the new token is handed out.
package arbiter

import (
	"context"
	"log/slog"
	"sync"
)

// Arbiter hands out at most one valid Token at a time.
type Arbiter struct {
	logger *slog.Logger

	// acquireMu serializes revoke-then-grant so two acquirers cannot interleave.
	acquireMu sync.Mutex

	mu      sync.Mutex
	current *Token
	nextID  uint64
}

// New creates an Arbiter. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{logger: logger}
}

// Token is proof of device ownership. Device-touching code checks Valid
// before every write.
type Token struct {
	id     uint64
	holder string
	owner  *Arbiter

	mu       sync.Mutex
	revoked  bool
	onRevoke []func()

	releaseOnce sync.Once
	released    chan struct{}
}

// Acquire revokes any current holder, waits for it to release, and returns a
// fresh token. It returns ctx.Err() if the previous holder does not release
// before ctx is done; the previous token stays revoked in that case.
func (a *Arbiter) Acquire(ctx context.Context, holder string) (*Token, error) {
	a.acquireMu.Lock()
	defer a.acquireMu.Unlock()

	a.mu.Lock()
	prev := a.current
	a.mu.Unlock()

	if prev != nil {
		a.logger.Debug("revoking device owner", "holder", prev.holder, "next", holder)
		go prev.revoke()
		select {
		case <-prev.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	tok := &Token{
		id:       a.nextID,
		holder:   holder,
		owner:    a,
		released: make(chan struct{}),
	}
	a.current = tok
	return tok, nil
}

// Holder returns the current holder name, or "" when unowned.
func (a *Arbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.holder
}

func (a *Arbiter) clear(t *Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == t {
		a.current = nil
	}
}

// Valid reports whether the token still owns the devices.
func (t *Token) Valid() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.revoked
}

// Holder returns the name the token was acquired with.
func (t *Token) Holder() string {
	if t == nil {
		return ""
	}
	return t.holder
}

// OnRevoke registers fn to run when another acquirer revokes this token.
// If the token is already revoked fn runs immediately.
func (t *Token) OnRevoke(fn func()) {
	if t == nil || fn == nil {
		return
	}
	t.mu.Lock()
	if t.revoked {
		t.mu.Unlock()
		fn()
		return
	}
	t.onRevoke = append(t.onRevoke, fn)
	t.mu.Unlock()
}

// Done is closed once the token has been released.
func (t *Token) Done() <-chan struct{} {
	return t.released
}

// Release gives up ownership. Safe to call more than once.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.revoked = true
	t.onRevoke = nil
	t.mu.Unlock()
	t.releaseOnce.Do(func() {
		t.owner.clear(t)
		close(t.released)
	})
}

// revoke runs the holder's callbacks, then releases. Callbacks are expected
// to stop device I/O before returning.
func (t *Token) revoke() {
	t.mu.Lock()
	if t.revoked {
		t.mu.Unlock()
		return
	}
	t.revoked = true
	callbacks := t.onRevoke
	t.onRevoke = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	t.Release()
}
