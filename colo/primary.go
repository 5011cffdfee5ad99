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

package colo

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sysmigrate/vmigrate/devices"
	"github.com/sysmigrate/vmigrate/dmsnapshot"
	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/stream"
	"github.com/sysmigrate/vmigrate/suspend"
)

// FailoverPoll is the wait between a checkpoint's commit and its
// NEW_CHECKPOINT marker, giving the colo-proxy's network comparator a
// window to declare failover before the next round begins (spec.md
// §4.11's "wait for failover timer").
const FailoverPoll = 50 * time.Millisecond

// Primary drives the primary-side COLO state machine (spec.md §4.11).
type Primary struct {
	suspend   *suspend.Protocol
	devices   *devices.Container
	dm        *dmsnapshot.Snapshot
	writer    *stream.Writer
	toolstack domain.ToolstackIface
}

// NewPrimary constructs a Primary over the given per-round dependencies.
func NewPrimary(sp *suspend.Protocol, devs *devices.Container, dm *dmsnapshot.Snapshot, w *stream.Writer, ts domain.ToolstackIface) *Primary {
	return &Primary{suspend: sp, devices: devs, dm: dm, writer: w, toolstack: ts}
}

// Setup runs the checkpoint devices' setup phase once before the first
// round.
func (p *Primary) Setup() error {
	return p.devices.Setup()
}

// Round runs one complete primary-side checkpoint cycle (spec.md §4.11
// "Primary per round"):
//
//  1. suspend primary, run postsuspend on devices
//  2. read SVM_SUSPENDED marker, then the secondary's dirty PFN list
//  3. snapshot the emulator; write XENSTORE_DATA, EMULATOR_CONTEXT
//  4. run commit, wait for the failover timer
//  5. write NEW_CHECKPOINT marker
//
// src is the secondary-to-primary pipe, dst the primary-to-secondary one.
func (p *Primary) Round(ctx context.Context, sess *domain.SaveSession, src, dst domain.IOnodeIface) error {
	if _, err := p.suspend.Suspend(ctx, sess); err != nil {
		return err
	}
	if err := p.devices.PostSuspend(); err != nil {
		return err
	}

	if err := readColoMarker(src, domain.ColoSvmSuspended); err != nil {
		return err
	}
	pfns, err := readDirtyPFNList(src)
	if err != nil {
		return err
	}
	logrus.Debugf("colo: primary domid %d received %d dirty PFNs from secondary", sess.Domid, len(pfns))

	toolstack, err := p.toolstack.Save()
	if err != nil {
		return domain.WrapError(domain.Failed, "colo primary: toolstack save", err)
	}
	if err := p.writer.WriteXenstoreData(dst, toolstack); err != nil {
		return err
	}

	if err := p.dm.Save(ctx, sess, p.writer, dst); err != nil {
		return err
	}

	if err := p.devices.Commit(); err != nil {
		return err
	}

	select {
	case <-time.After(FailoverPoll):
	case <-ctx.Done():
		return domain.WrapError(domain.Failed, "colo primary round canceled during failover wait", ctx.Err())
	}

	if err := p.writer.WriteColoContext(dst, domain.ColoNewCheckpoint); err != nil {
		return err
	}
	if err := p.suspend.Resume(ctx, sess, false); err != nil {
		return err
	}
	return nil
}

// Run drives Round in a loop until ctx is done or a round fails, tearing
// down devices exactly once regardless of how the loop ends.
func (p *Primary) Run(ctx context.Context, sess *domain.SaveSession, src, dst domain.IOnodeIface) error {
	defer func() {
		if err := p.devices.Teardown(); err != nil {
			logrus.WithError(err).Warn("colo: primary device teardown reported an error")
		}
	}()

	round := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := p.Round(ctx, sess, src, dst); err != nil {
			logrus.WithError(err).Errorf("colo: primary round %d failed", round)
			return err
		}
		round++
	}
}
