// Package registration drives venue registration forms for approved free
// events, behind the payment guard, with retries and a manual fallback.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned by an adapter when the venue reports
	// the family is already signed up. Treated as success.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrPageDetached is returned when the page or its form disappeared
	// between steps. Retried.
	ErrPageDetached = errors.New("page detached")

	// ErrEventFull is returned when the venue has no capacity left.
	ErrEventFull = errors.New("event is full")

	// ErrNoForm is returned when no registration form could be found.
	ErrNoForm = errors.New("no registration form found")

	// ErrNoConfirmation is returned when a submit produced no recognizable confirmation.
	ErrNoConfirmation = errors.New("no registration confirmation found")
)

// TransientError wraps a failure worth retrying: timeouts, server errors,
// rate limiting, detached pages.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if errors.Is(err, ErrPageDetached) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// Adapter knows how to register for events at one kind of venue.
type Adapter interface {
	// ID is the stable identifier the adapter is registered under.
	ID() string
	// Fill enters the family profile into the page's registration form.
	Fill(ctx context.Context, page *Page, profile FamilyProfile) error
	// Submit sends the form and returns the resulting page. It returns
	// ErrAlreadyRegistered when the venue reports a duplicate sign-up.
	Submit(ctx context.Context, page *Page) (*Page, error)
}

// Registry looks adapters up by id, with a per-source mapping and a fallback.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	sources  map[string]string
	fallback string
}

// NewRegistry creates a registry whose unmapped sources use the fallback adapter.
func NewRegistry(fallback Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		sources:  make(map[string]string),
		fallback: fallback.ID(),
	}
	r.adapters[fallback.ID()] = fallback
	return r
}

// Register adds an adapter. Registering an id twice replaces the adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// MapSource routes events from source to the adapter with the given id.
func (r *Registry) MapSource(source, adapterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[adapterID]; !ok {
		return fmt.Errorf("unknown adapter %q for source %q", adapterID, source)
	}
	r.sources[source] = adapterID
	return nil
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// ForSource returns the adapter for an event source: the mapped adapter, an
// adapter whose id equals the source, or the fallback.
func (r *Registry) ForSource(source string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.sources[source]; ok {
		return r.adapters[id]
	}
	if a, ok := r.adapters[source]; ok {
		return a
	}
	return r.adapters[r.fallback]
}

// IDs returns the registered adapter ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
