package entitlement

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Engine creates editing sessions over a Catalog. One Engine serves both
// call sites (role permissions, user app access); the catalog decides
// what the facts mean.
type Engine struct {
	catalog     Catalog
	maxInFlight int
}

// New creates an engine over the catalog.
func New(catalog Catalog) *Engine {
	return &Engine{catalog: catalog, maxInFlight: 8}
}

// Load fetches the assignable catalog and the subject's current
// memberships, and opens an editing session with one fact per catalog
// entry, current = original = membership-present. Sessions are owned
// exclusively by the caller that loaded them.
func (e *Engine) Load(ctx context.Context, subject Subject, readOnly bool) (*Session, error) {
	facts, err := e.loadFacts(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &Session{
		engine:   e,
		subject:  subject,
		readOnly: readOnly,
		facts:    facts,
	}, nil
}

func (e *Engine) loadFacts(ctx context.Context, subject Subject) ([]Fact, error) {
	keys, err := e.catalog.Assignable(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	memberships, err := e.catalog.Memberships(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}

	held := make(map[ResourceKey]string, len(memberships))
	for _, m := range memberships {
		held[m.Key] = m.ID
	}

	facts := make([]Fact, 0, len(keys))
	for _, key := range keys {
		id, ok := held[key]
		facts = append(facts, Fact{
			Key:      key,
			ID:       id,
			Current:  ok,
			Original: ok,
		})
	}
	return facts, nil
}

// Session is one editing session over a subject's facts. It is not safe
// for use from multiple editing surfaces at once; the apply guard only
// protects against double submission from the same surface.
type Session struct {
	engine   *Engine
	subject  Subject
	readOnly bool

	mu       sync.Mutex
	facts    []Fact
	applying bool
}

// Subject returns the subject the session reconciles.
func (s *Session) Subject() Subject { return s.subject }

// ReadOnly reports whether toggles are ignored.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Facts returns a snapshot of the session's facts.
func (s *Session) Facts() []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

// Grouped returns the facts grouped by resource in catalog order. The
// grouping is presentation only.
func (s *Session) Grouped() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	var groups []Group
	index := make(map[string]int)
	for _, f := range s.facts {
		i, ok := index[f.Key.Resource]
		if !ok {
			i = len(groups)
			index[f.Key.Resource] = i
			groups = append(groups, Group{Resource: f.Key.Resource})
		}
		groups[i].Facts = append(groups[i].Facts, f)
	}
	return groups
}

// Toggle flips the current value of one fact. It is a no-op on read-only
// sessions and for unknown keys. Returns the new current value and
// whether anything changed.
func (s *Session) Toggle(key ResourceKey) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return false, false
	}
	for i := range s.facts {
		if s.facts[i].Key == key {
			s.facts[i].Current = !s.facts[i].Current
			return s.facts[i].Current, true
		}
	}
	return false, false
}

// ToggleAll sets current = value for every fact in a resource group.
func (s *Session) ToggleAll(resource string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return
	}
	for i := range s.facts {
		if s.facts[i].Key.Resource == resource {
			s.facts[i].Current = value
		}
	}
}

// HasUnsavedChanges reports whether any fact's current value differs
// from the baseline. Recomputed by a full scan; catalogs for one scope
// are small.
func (s *Session) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsavedLocked()
}

func (s *Session) unsavedLocked() bool {
	for i := range s.facts {
		if s.facts[i].Current != s.facts[i].Original {
			return true
		}
	}
	return false
}

// Close ends the editing session. With unsaved changes it demands
// explicit confirmation; refusing leaves the session untouched.
func (s *Session) Close(confirmDiscard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsavedLocked() && !confirmDiscard {
		return ErrUnsavedChanges
	}
	s.facts = nil
	return nil
}

// Apply partitions the facts into to-grant and to-revoke sets, submits
// one backend call per fact concurrently and independently, waits for
// all outcomes, and then reloads the baseline from the backend no matter
// what happened. On success the baseline is the confirmed new truth; on
// partial failure the in-memory current values are stale and are
// discarded in favour of the reload, because there is no way to tell
// "never attempted" from "attempted and failed" without re-querying.
func (s *Session) Apply(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.applying {
		s.mu.Unlock()
		return nil, ErrApplyInFlight
	}
	if s.readOnly {
		s.mu.Unlock()
		return nil, ErrReadOnly
	}

	type change struct {
		key    ResourceKey
		id     string
		revoke bool
	}
	var batch []change
	for i := range s.facts {
		f := s.facts[i]
		switch {
		case f.Current && !f.Original:
			batch = append(batch, change{key: f.Key})
		case !f.Current && f.Original:
			batch = append(batch, change{key: f.Key, id: f.ID, revoke: true})
		}
	}

	if len(batch) == 0 {
		// Nothing to reconcile; no backend calls at all.
		s.mu.Unlock()
		return &Result{Status: StatusSuccess}, nil
	}

	s.applying = true
	s.mu.Unlock()

	result := &Result{Status: StatusSuccess}
	var resMu sync.Mutex

	// Failures must not cancel sibling calls, so errors are collected
	// rather than returned to the group.
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.engine.maxInFlight)
	for _, ch := range batch {
		ch := ch
		eg.Go(func() error {
			var err error
			if ch.revoke {
				err = s.engine.catalog.Revoke(gctx, s.subject, ch.key, ch.id)
			} else {
				err = s.engine.catalog.Grant(gctx, s.subject, ch.key)
			}
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				result.Status = StatusPartialFailure
				result.Failures = append(result.Failures, FactError{Key: ch.key, Revoke: ch.revoke, Err: err})
				return nil
			}
			if ch.revoke {
				result.Revoked = append(result.Revoked, ch.key)
			} else {
				result.Granted = append(result.Granted, ch.key)
			}
			return nil
		})
	}
	eg.Wait()

	// Strictly after every outcome: re-sync the baseline from the
	// source of truth, regardless of success or failure.
	fresh, err := s.engine.loadFacts(ctx, s.subject)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applying = false
	if err != nil {
		return nil, fmt.Errorf("failed to reload baseline after apply: %w", err)
	}
	s.facts = fresh

	return result, nil
}
