// Package secrets resolves named credentials behind the secrets_manager breaker.
package secrets

import (
	"context"
	"os"
	"sync"

	"rule-engine/internal/apperr"
	"rule-engine/internal/safety"
)

// LookupFunc fetches a secret. ok is false when the secret does not exist;
// err is reserved for backend failures.
type LookupFunc func(ctx context.Context, name string) (value string, ok bool, err error)

// EnvLookup reads secrets from the process environment.
func EnvLookup(_ context.Context, name string) (string, bool, error) {
	v, ok := os.LookupEnv(name)
	return v, ok && v != "", nil
}

// Manager resolves and caches secrets.
type Manager struct {
	ctrl   *safety.Controller
	lookup LookupFunc

	mu    sync.RWMutex
	cache map[string]string
}

// NewManager builds a manager. A nil lookup reads the environment.
func NewManager(ctrl *safety.Controller, lookup LookupFunc) *Manager {
	if lookup == nil {
		lookup = EnvLookup
	}
	return &Manager{ctrl: ctrl, lookup: lookup, cache: make(map[string]string)}
}

type result struct {
	value string
	ok    bool
}

// Get returns the secret called name. A missing secret is a NotFound error and
// does not count against the breaker.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	v, hit := m.cache[name]
	m.mu.RUnlock()
	if hit {
		return v, nil
	}

	op := func(ctx context.Context) (result, error) {
		v, ok, err := m.lookup(ctx, name)
		return result{value: v, ok: ok}, err
	}
	var (
		res result
		err error
	)
	if m.ctrl != nil {
		res, err = safety.Call(ctx, m.ctrl, safety.ServiceSecretsManager, op)
	} else {
		res, err = op(ctx)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindOf(err), err, "resolve secret "+name)
	}
	if !res.ok {
		return "", apperr.Newf(apperr.KindNotFound, "secret %s not found", name)
	}

	m.mu.Lock()
	m.cache[name] = res.value
	m.mu.Unlock()
	return res.value, nil
}

// Invalidate drops cached values so the next Get refetches them.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]string)
}
