package handler

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Configuration error causes, matched with errors.Is.
var (
	ErrEmptyTopic          = errors.New("topic is empty")
	ErrDuplicateTopic      = errors.New("topic already registered")
	ErrInvalidLockDuration = errors.New("lock duration must be at least 1ms")
	ErrNilHandler          = errors.New("handler is nil")
	ErrRegistryFrozen      = errors.New("registry is frozen")
	ErrInvalidTimeout      = errors.New("auto-extended subscriptions need a positive timeout")
	ErrNoSubscriptions     = errors.New("no subscriptions registered")
)

// MinLockDuration is the shortest lock the engine API can express.
const MinLockDuration = time.Millisecond

// ConfigurationError reports an invalid subscription. It is fatal at start-up.
type ConfigurationError struct {
	Topic string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("subscription %q: %v", e.Topic, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Subscription binds a topic to its handler and lock settings.
type Subscription struct {
	Topic        string
	LockDuration time.Duration
	Handler      Handler

	// Variables limits which process variables are fetched. Nil fetches all.
	Variables []string

	// Timeout bounds a single handler invocation. Zero leaves the lock
	// expiry as the only bound.
	Timeout time.Duration

	// AutoExtend renews the lock while the handler runs.
	AutoExtend bool
}

// Registry holds topic subscriptions. It accepts registrations until Freeze
// is called and is read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Subscription
	order  []string
	frozen bool
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]Subscription),
	}
}

// Register adds a subscription. It returns a *ConfigurationError if the
// topic is empty or taken, the lock duration is not positive, the handler
// is nil, or the registry is frozen.
func (r *Registry) Register(sub Subscription) error {
	if err := validate(sub); err != nil {
		return &ConfigurationError{Topic: sub.Topic, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &ConfigurationError{Topic: sub.Topic, Err: ErrRegistryFrozen}
	}
	if _, ok := r.subs[sub.Topic]; ok {
		return &ConfigurationError{Topic: sub.Topic, Err: ErrDuplicateTopic}
	}

	if sub.Variables != nil {
		sub.Variables = append([]string(nil), sub.Variables...)
	}
	r.subs[sub.Topic] = sub
	r.order = append(r.order, sub.Topic)
	return nil
}

func validate(sub Subscription) error {
	switch {
	case sub.Topic == "":
		return ErrEmptyTopic
	case sub.LockDuration < MinLockDuration:
		return ErrInvalidLockDuration
	case sub.Handler == nil:
		return ErrNilHandler
	case sub.AutoExtend && sub.Timeout <= 0:
		return ErrInvalidTimeout
	}
	return nil
}

// Freeze stops further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the subscription registered for topic.
func (r *Registry) Lookup(topic string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[topic]
	return sub, ok
}

// Snapshot returns the subscriptions in registration order. The returned
// slice and its variable lists are copies.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscription, 0, len(r.order))
	for _, topic := range r.order {
		sub := r.subs[topic]
		if sub.Variables != nil {
			sub.Variables = append([]string(nil), sub.Variables...)
		}
		subs = append(subs, sub)
	}
	return subs
}

// Topics returns the registered topic names in registration order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
