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

package suspend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/configstore"
	"github.com/sysmigrate/vmigrate/domain"
)

type fakeGuest struct {
	mu               sync.Mutex
	notified         bool
	suspendRequested bool
	shutdown         bool
	reason           domain.ShutdownReason
	events           chan uint32
	resumed          bool
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{events: make(chan uint32, 1)}
}

func (g *fakeGuest) NotifyEventChannel(domid uint32) error {
	g.mu.Lock()
	g.notified = true
	g.mu.Unlock()
	return nil
}

// ShutdownSuspend only records the request; each test's goroutine plays the
// guest and decides which shutdown reason the poll reports.
func (g *fakeGuest) ShutdownSuspend(domid uint32) error {
	g.mu.Lock()
	g.suspendRequested = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGuest) PollDomainInfo(domid uint32) (domain.DomainInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.DomainInfo{Exists: true, Shutdown: g.shutdown, Reason: g.reason}, nil
}

func (g *fakeGuest) Resume(domid uint32, cancel bool) error {
	g.mu.Lock()
	g.resumed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGuest) ShutdownEvents() <-chan uint32 {
	return g.events
}

func TestSuspendViaEventChannel(t *testing.T) {
	guest := newFakeGuest()
	store := configstore.New()
	p := New(guest, store)

	sess := &domain.SaveSession{
		Domid: 7,
		HVM:   false,
		Hints: domain.GuestHints{EventChannelInitialized: true},
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		guest.mu.Lock()
		guest.shutdown = true
		guest.reason = domain.ShutdownSuspend
		guest.mu.Unlock()
		guest.events <- 7
	}()

	state, err := p.Suspend(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SuspendDone, state)
	assert.True(t, sess.GuestRespond)
}

func TestSuspendViaHypervisorShutdownForHVM(t *testing.T) {
	guest := newFakeGuest()
	store := configstore.New()
	p := New(guest, store)

	sess := &domain.SaveSession{
		Domid: 3,
		HVM:   true,
		Hints: domain.GuestHints{ParavirtDriverPresent: false},
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		guest.mu.Lock()
		guest.shutdown = true
		guest.reason = domain.ShutdownSuspend
		guest.mu.Unlock()
	}()

	state, err := p.Suspend(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SuspendSnapshotDM, state)
	assert.True(t, guest.shutdown)
}

func TestSuspendViaPVControlKeyAck(t *testing.T) {
	guest := newFakeGuest()
	store := configstore.New()
	p := New(guest, store)

	sess := &domain.SaveSession{
		Domid: 9,
		HVM:   false,
		Hints: domain.GuestHints{}, // no event channel, not HVM -> pv-control key path
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, store.Set(pvControlPath(9), ""))
		guest.mu.Lock()
		guest.shutdown = true
		guest.reason = domain.ShutdownSuspend
		guest.mu.Unlock()
	}()

	state, err := p.Suspend(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SuspendDone, state)
}

func TestSuspendFailsOnUnacceptableShutdownReason(t *testing.T) {
	guest := newFakeGuest()
	store := configstore.New()
	p := New(guest, store)

	sess := &domain.SaveSession{
		Domid: 5,
		HVM:   true,
		Hints: domain.GuestHints{ParavirtDriverPresent: false},
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		guest.mu.Lock()
		guest.shutdown = true
		guest.reason = domain.ShutdownOther
		guest.mu.Unlock()
	}()

	_, err := p.Suspend(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, domain.Failed, domain.KindOf(err))
}

func TestResumePublishesResumedState(t *testing.T) {
	guest := newFakeGuest()
	store := configstore.New()
	p := New(guest, store)

	sess := &domain.SaveSession{Domid: 2}
	require.NoError(t, p.Resume(context.Background(), sess, false))
	assert.True(t, guest.resumed)

	v, ok := store.Get(pvControlPath(2))
	require.True(t, ok)
	assert.Equal(t, "resumed", v)
}
