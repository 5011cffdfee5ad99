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

// Package configstore implements the guest-settings key-value tree
// (spec.md §2 item 3, §6): a path-indexed store consumed by the suspend
// protocol and the log-dirty switch through get/set/watch and
// transactional commit.
//
// It is backed by github.com/hashicorp/go-immutable-radix, the same
// path-indexed-DB library the teacher uses for its FUSE handler dispatch
// tree (handler/handlerDB.go) and mount bind-mount map (mount/helper.go).
// An immutable radix tree gives optimistic-transaction-with-retry
// (spec.md §5) almost for free: a transaction commits a new root only if
// nobody else's commit has replaced the root it started from.
package configstore

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/sysmigrate/vmigrate/domain"
)

type watcher struct {
	path string
	ch   chan domain.WatchEvent
}

type Store struct {
	mu       sync.Mutex
	root     *iradix.Tree
	watchers map[string][]*watcher
	physmap  []domain.PhysmapEntry
	hints    map[uint32]domain.GuestHints
}

var _ domain.ConfigStoreIface = (*Store)(nil)

// New constructs an empty config store.
func New() *Store {
	return &Store{
		root:     iradix.New(),
		watchers: make(map[string][]*watcher),
		hints:    make(map[uint32]domain.GuestHints),
	}
}

func (s *Store) Get(path string) (string, bool) {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()

	v, ok := root.Get([]byte(path))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *Store) Set(path, value string) error {
	return s.Transaction(func(txn domain.Txn) error {
		txn.Set(path, value)
		return nil
	})
}

// Transaction implements the optimistic retry loop described in the
// package doc.
func (s *Store) Transaction(fn func(domain.Txn) error) error {
	for {
		s.mu.Lock()
		base := s.root
		s.mu.Unlock()

		txn := base.Txn()
		wrapped := &txnImpl{base: base, txn: txn, writes: make(map[string]string)}

		if err := fn(wrapped); err != nil {
			return err
		}

		s.mu.Lock()
		if s.root != base {
			s.mu.Unlock()
			continue // someone else committed first; retry against the new root
		}
		s.root = txn.Commit()
		s.mu.Unlock()

		for path, value := range wrapped.writes {
			s.notify(path, value, true)
		}
		return nil
	}
}

func (s *Store) notify(path, value string, ok bool) {
	s.mu.Lock()
	subs := append([]*watcher(nil), s.watchers[path]...)
	s.mu.Unlock()

	for _, w := range subs {
		select {
		case w.ch <- domain.WatchEvent{Value: value, Ok: ok}:
		default:
			// slow watcher; drop rather than block the committing goroutine.
		}
	}
}

func (s *Store) Watch(path string) (<-chan domain.WatchEvent, func()) {
	w := &watcher{path: path, ch: make(chan domain.WatchEvent, 8)}

	s.mu.Lock()
	s.watchers[path] = append(s.watchers[path], w)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[path]
		for i, c := range list {
			if c == w {
				s.watchers[path] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	return w.ch, cancel
}

func (s *Store) Physmap() []domain.PhysmapEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PhysmapEntry(nil), s.physmap...)
}

// SetPhysmap installs the physmap entries the toolstack XENSTORE_DATA
// record is built from (SPEC_FULL.md §4). It is not part of
// domain.ConfigStoreIface's guest-facing surface; it is how a test or the
// CLI seeds the store.
func (s *Store) SetPhysmap(entries []domain.PhysmapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.physmap = entries
}

func (s *Store) Hints(domid uint32) domain.GuestHints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints[domid]
}

// SetHints installs the suspend-predicate hints for domid (SPEC_FULL.md
// §4).
func (s *Store) SetHints(domid uint32, h domain.GuestHints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[domid] = h
}

type txnImpl struct {
	base   *iradix.Tree
	txn    *iradix.Txn
	writes map[string]string
}

func (t *txnImpl) Get(path string) (string, bool) {
	v, ok := t.txn.Get([]byte(path))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (t *txnImpl) Set(path, value string) {
	t.txn.Insert([]byte(path), value)
	t.writes[path] = value
}
