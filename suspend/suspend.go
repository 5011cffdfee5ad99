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

// Package suspend implements the per-guest suspend/resume state machine
// (spec.md §4.3): IDLE -> WAIT_ACK -> WAIT_SHUTDOWN -> (SNAPSHOT_DM|DONE),
// with a FAILED branch off every state that waits on the guest or the
// hypervisor.
//
// It is built as a total (state, event) -> (state, error) step function,
// not a callback chain, per the reimplementation guidance carried over
// from the tools this spec was distilled from.
package suspend

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sysmigrate/vmigrate/domain"
)

// Protocol drives the suspend/resume state machine against a
// domain.GuestControlIface (the out-of-scope hypervisor syscall surface)
// and a domain.ConfigStoreIface (the pv-control key).
type Protocol struct {
	guest domain.GuestControlIface
	store domain.ConfigStoreIface
}

// New constructs a Protocol over the given guest-control and config-store
// dependencies.
func New(guest domain.GuestControlIface, store domain.ConfigStoreIface) *Protocol {
	return &Protocol{guest: guest, store: store}
}

func pvControlPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d/control/shutdown", domid)
}

const pvControlSuspendValue = "suspend"

// Suspend drives sess's guest through WAIT_ACK and WAIT_SHUTDOWN and
// reports the state it stopped in: SuspendSnapshotDM (HVM guests still
// need their device model snapshotted by the dmsnapshot package) or
// SuspendDone (PV guests, nothing left to do). Any failure is reported as
// (SuspendFailed, err).
func (p *Protocol) Suspend(ctx context.Context, sess *domain.SaveSession) (domain.SuspendState, error) {
	state := domain.SuspendWaitAck

	for {
		next, err := p.step(ctx, state, sess)
		if err != nil {
			logrus.WithError(err).Debugf("suspend: domid %d failed in state %s", sess.Domid, state)
			return domain.SuspendFailed, err
		}
		if next == domain.SuspendSnapshotDM || next == domain.SuspendDone {
			return next, nil
		}
		state = next
	}
}

func (p *Protocol) step(ctx context.Context, state domain.SuspendState, sess *domain.SaveSession) (domain.SuspendState, error) {
	switch state {
	case domain.SuspendWaitAck:
		if err := p.requestSuspend(ctx, sess); err != nil {
			return domain.SuspendFailed, err
		}
		return domain.SuspendWaitShutdown, nil

	case domain.SuspendWaitShutdown:
		reason, err := p.waitShutdown(ctx, sess.Domid)
		if err != nil {
			return domain.SuspendFailed, err
		}
		if reason != domain.ShutdownSuspend {
			return domain.SuspendFailed, domain.NewError(domain.Failed,
				fmt.Sprintf("guest shutdown for unacceptable reason %d", reason))
		}
		sess.GuestRespond = true
		if sess.HVM {
			return domain.SuspendSnapshotDM, nil
		}
		return domain.SuspendDone, nil

	default:
		return domain.SuspendFailed, domain.NewError(domain.Invalid,
			fmt.Sprintf("suspend: unexpected state %s", state))
	}
}

// requestSuspend implements the three-rule request-selection policy of
// spec.md §4.3, first-match-wins.
func (p *Protocol) requestSuspend(ctx context.Context, sess *domain.SaveSession) error {
	ctx, cancel := context.WithTimeout(ctx, domain.SuspendDeadline)
	defer cancel()

	switch {
	case sess.Hints.EventChannelInitialized && !sess.Hints.ACPIStatePublished:
		return p.requestViaEventChannel(ctx, sess.Domid)

	case sess.HVM && (!sess.Hints.ParavirtDriverPresent || sess.Hints.ACPIStatePublished):
		return p.guest.ShutdownSuspend(sess.Domid)

	default:
		return p.requestViaPVControlKey(ctx, sess.Domid)
	}
}

func (p *Protocol) requestViaEventChannel(ctx context.Context, domid uint32) error {
	if err := p.guest.NotifyEventChannel(domid); err != nil {
		return domain.WrapError(domain.Failed, "notify suspend event channel", err)
	}

	events := p.guest.ShutdownEvents()
	for {
		select {
		case fired, ok := <-events:
			if !ok {
				return domain.NewError(domain.PeerGone, "shutdown event channel closed")
			}
			if fired != domid {
				continue
			}
			if _, err := p.guest.PollDomainInfo(domid); err != nil {
				return domain.WrapError(domain.Failed, "poll domain info after event channel fire", err)
			}
			return nil
		case <-ctx.Done():
			return domain.NewError(domain.TimedOut, "timed out waiting for suspend event channel")
		}
	}
}

func (p *Protocol) requestViaPVControlKey(ctx context.Context, domid uint32) error {
	path := pvControlPath(domid)

	ch, cancelWatch := p.store.Watch(path)
	defer cancelWatch()

	if err := p.store.Set(path, pvControlSuspendValue); err != nil {
		return domain.WrapError(domain.Failed, "write pv-control suspend request", err)
	}

	for {
		select {
		case ev := <-ch:
			if !ev.Ok || ev.Value != pvControlSuspendValue {
				// guest emptied or overwrote the key: treat as ack.
				return nil
			}
		case <-ctx.Done():
			// Timed out: atomically clear the key, racing the guest's
			// last-minute ack -- only stomp it if it still holds our
			// exact request, never a fresher write from the guest.
			if clearErr := p.clearPVControlKeyRacingAck(domid); clearErr != nil {
				logrus.WithError(clearErr).Warn("suspend: failed to clear stale pv-control key on timeout")
			}
			return domain.NewError(domain.TimedOut, "timed out waiting for pv-control key ack")
		}
	}
}

func (p *Protocol) clearPVControlKeyRacingAck(domid uint32) error {
	path := pvControlPath(domid)
	return p.store.Transaction(func(txn domain.Txn) error {
		v, ok := txn.Get(path)
		if ok && v == pvControlSuspendValue {
			txn.Set(path, "")
		}
		return nil
	})
}

// waitShutdown polls domain info until the guest reports shutdown, within
// its own suspend deadline, and returns the shutdown reason observed.
func (p *Protocol) waitShutdown(ctx context.Context, domid uint32) (domain.ShutdownReason, error) {
	ctx, cancel := context.WithTimeout(ctx, domain.SuspendDeadline)
	defer cancel()

	ticker := pollTicker(ctx)
	defer ticker.stop()

	for {
		info, err := p.guest.PollDomainInfo(domid)
		if err != nil {
			return domain.ShutdownNone, domain.WrapError(domain.Failed, "poll domain info", err)
		}
		if info.Exists && info.Shutdown {
			return info.Reason, nil
		}

		select {
		case <-ticker.c:
		case <-ctx.Done():
			return domain.ShutdownNone, domain.NewError(domain.TimedOut, "timed out waiting for guest shutdown")
		}
	}
}

// Resume is the inverse of Suspend for the guest itself:
// hypervisor-resume(cancel?), then publish "resumed" to the config store.
// It does not resume the device model of an HVM guest, and no caller in
// this module does so either.
func (p *Protocol) Resume(ctx context.Context, sess *domain.SaveSession, cancel bool) error {
	if err := p.guest.Resume(sess.Domid, cancel); err != nil {
		return domain.WrapError(domain.Failed, "hypervisor resume", err)
	}
	if err := p.store.Set(pvControlPath(sess.Domid), "resumed"); err != nil {
		return domain.WrapError(domain.Failed, "publish resumed state", err)
	}
	return nil
}
