//
// Copyright 2024 The Vmigrate Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package session implements the save/restore session registry (SPEC_FULL
// §3.10): a locked map keyed by domid, grounded on the teacher's
// state/containerDB.go container registry. A session is created at
// session start and destroyed once its top-level completion callback has
// fired and every sibling task (stream reader/writer, save helper, legacy
// converter) has joined (spec.md §3).
package session

import (
	"fmt"
	"sync"

	"github.com/sysmigrate/vmigrate/domain"
)

// Registry tracks every in-flight save/restore session by domid.
type Registry struct {
	mu    sync.RWMutex
	saves map[uint32]*domain.SaveSession
	rests map[uint32]*domain.RestoreSession
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		saves: make(map[uint32]*domain.SaveSession),
		rests: make(map[uint32]*domain.RestoreSession),
	}
}

// CreateSave registers a new save session for sess.Domid. It returns an
// error if a save session for that domid is already in flight.
func (r *Registry) CreateSave(sess *domain.SaveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.saves[sess.Domid]; exists {
		return domain.NewError(domain.Failed, fmt.Sprintf("save session for domid %d already in flight", sess.Domid))
	}
	r.saves[sess.Domid] = sess
	return nil
}

// Save looks up the in-flight save session for domid.
func (r *Registry) Save(domid uint32) (*domain.SaveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.saves[domid]
	return s, ok
}

// DestroySave removes domid's save session. Callers must only invoke this
// once the session's completion callback has fired and every sibling task
// has joined (spec.md §3's lifecycle note).
func (r *Registry) DestroySave(domid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.saves, domid)
}

// CreateRestore registers a new restore session for sess.Domid.
func (r *Registry) CreateRestore(sess *domain.RestoreSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rests[sess.Domid]; exists {
		return domain.NewError(domain.Failed, fmt.Sprintf("restore session for domid %d already in flight", sess.Domid))
	}
	r.rests[sess.Domid] = sess
	return nil
}

// Restore looks up the in-flight restore session for domid.
func (r *Registry) Restore(domid uint32) (*domain.RestoreSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rests[domid]
	return s, ok
}

// DestroyRestore removes domid's restore session.
func (r *Registry) DestroyRestore(domid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rests, domid)
}

// Joiner tracks sibling tasks (stream reader/writer, save helper, legacy
// converter) that must all report in before a session's completion
// callback is allowed to fire (spec.md §5's join/cancellation protocol).
type Joiner struct {
	mu       sync.Mutex
	pending  int
	firstErr error
	done     chan struct{}
	fired    bool
}

// NewJoiner constructs a Joiner expecting n sibling tasks to report.
func NewJoiner(n int) *Joiner {
	return &Joiner{pending: n, done: make(chan struct{})}
}

// Report records one sibling task's completion. The first non-nil error
// reported wins; later errors are discarded by the caller (it should log
// them itself, per spec.md §5: "the first error is reported to the
// caller, later errors are logged").
func (j *Joiner) Report(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.firstErr == nil && err != nil {
		j.firstErr = err
	}
	j.pending--
	if j.pending <= 0 && !j.fired {
		j.fired = true
		close(j.done)
	}
}

// Wait blocks until every expected sibling has reported, then returns the
// first error observed (nil if all succeeded).
func (j *Joiner) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.firstErr
}
