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

// Package remus implements the Remus fault-tolerance engine (spec.md
// §4.10): a periodic, memory-only checkpoint loop on the primary that
// repeats suspend -> postsuspend -> (HVM: save device model) -> commit ->
// sleep -> resume for as long as the session runs. The loop is bounded
// only by an external error or explicit teardown, mirroring the
// unbounded-until-failure shape spec.md's pseudocode describes.
package remus

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

// Engine drives one primary's remus checkpoint loop.
type Engine struct {
	suspend *suspend.Protocol
	devices *devices.Container
	dm      *dmsnapshot.Snapshot
	writer  *stream.Writer
}

// New constructs an Engine over the given per-checkpoint dependencies.
func New(sp *suspend.Protocol, devs *devices.Container, dm *dmsnapshot.Snapshot, w *stream.Writer) *Engine {
	return &Engine{suspend: sp, devices: devs, dm: dm, writer: w}
}

// Setup runs the checkpoint devices' setup phase, the "setup-devices"
// step of spec.md §4.10. It writes nothing to the stream; the stream header
// is written by the caller. It must be called once, before the first
// Checkpoint.
func (e *Engine) Setup() error {
	return e.devices.Setup()
}

// Checkpoint runs one complete round of spec.md §4.10's loop body:
// suspend(primary) -> postsuspend(devices) -> save-dm (HVM) ->
// commit(devices) -> sleep(interval) -> resume(primary). It returns the
// error of whichever phase failed first; the caller is responsible for
// tearing down devices and firing the session's completion callback on
// error (spec.md §4.10: "on any error inside the loop, teardown-devices
// runs and the session's completion callback fires").
func (e *Engine) Checkpoint(ctx context.Context, sess *domain.SaveSession, dst domain.IOnodeIface, interval time.Duration) error {
	state, err := e.suspend.Suspend(ctx, sess)
	if err != nil {
		return err
	}

	if err := e.devices.PostSuspend(); err != nil {
		return err
	}

	if state == domain.SuspendSnapshotDM {
		if err := e.dm.Save(ctx, sess, e.writer, dst); err != nil {
			return err
		}
	}

	if err := e.devices.Commit(); err != nil {
		return err
	}

	select {
	case <-time.After(interval):
	case <-ctx.Done():
		// cancellation cuts the sleep short; the guest is still resumed below
	}

	if err := e.suspend.Resume(ctx, sess, false); err != nil {
		return err
	}

	return nil
}

// Run drives Checkpoint in a loop until ctx is done or a checkpoint fails,
// calling onCheckpoint (if non-nil) after each completed round. The only
// record the engine itself writes is EMULATOR_CONTEXT, from Checkpoint's
// device-model save for HVM guests; it writes no XENSTORE_DATA or
// CHECKPOINT_END record, so any further per-round records are whatever
// onCheckpoint writes. A cancellation that arrives during the
// inter-checkpoint sleep ends the loop without error once that round has
// resumed the guest. Devices are torn down exactly once, regardless of how
// the loop ends.
func (e *Engine) Run(ctx context.Context, sess *domain.SaveSession, dst domain.IOnodeIface, interval time.Duration, onCheckpoint func() error) error {
	defer func() {
		if err := e.devices.Teardown(); err != nil {
			logrus.WithError(err).Warn("remus: device teardown reported an error")
		}
	}()

	round := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := e.Checkpoint(ctx, sess, dst, interval); err != nil {
			logrus.WithError(err).Errorf("remus: checkpoint round %d failed", round)
			return err
		}

		if onCheckpoint != nil {
			if err := onCheckpoint(); err != nil {
				logrus.WithError(err).Errorf("remus: checkpoint round %d record framing failed", round)
				return err
			}
		}

		round++
	}
}
