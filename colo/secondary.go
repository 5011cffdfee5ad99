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

	"github.com/sirupsen/logrus"

	"github.com/sysmigrate/vmigrate/devices"
	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/logdirty"
	"github.com/sysmigrate/vmigrate/stream"
	"github.com/sysmigrate/vmigrate/suspend"
)

// Secondary drives the secondary-side COLO state machine (spec.md §4.11).
type Secondary struct {
	suspend  *suspend.Protocol
	devices  *devices.Container
	writer   *stream.Writer
	logdirty *logdirty.Switch
	dirtylog domain.DirtyLogIface
	proxy    domain.ColoProxyIface

	bootstrapped bool
}

// NewSecondary constructs a Secondary over the given per-round
// dependencies.
func NewSecondary(sp *suspend.Protocol, devs *devices.Container, w *stream.Writer, ld *logdirty.Switch, dl domain.DirtyLogIface, proxy domain.ColoProxyIface) *Secondary {
	return &Secondary{suspend: sp, devices: devs, writer: w, logdirty: ld, dirtylog: dl, proxy: proxy}
}

// bootstrap runs the one-time setup spec.md §4.11 describes for the
// secondary's first *resume* callback: register with the colo-proxy,
// enable dirty-log tracking, set up the checkpoint devices, and unpause
// the (already-created, paused) secondary VM.
func (s *Secondary) bootstrap(ctx context.Context, sess *domain.SaveSession) error {
	if _, err := s.proxy.Init(); err != nil {
		return domain.WrapError(domain.Failed, "colo secondary: proxy init", err)
	}
	if err := s.logdirty.EnableWithRecovery(ctx, sess.Domid); err != nil {
		return err
	}
	if err := s.devices.Setup(); err != nil {
		return err
	}
	if err := s.suspend.Resume(ctx, sess, false); err != nil {
		return err
	}
	s.bootstrapped = true
	return nil
}

// resumeRound runs spec.md §4.11's secondary step 2: write SVM_READY, run
// preresume on devices, resume the secondary, write SVM_RESUMED.
func (s *Secondary) resumeRound(ctx context.Context, sess *domain.SaveSession, dst domain.IOnodeIface) error {
	if err := s.writer.WriteColoContext(dst, domain.ColoSvmReady); err != nil {
		return err
	}
	if err := s.devices.PreResume(); err != nil {
		return err
	}
	if err := s.suspend.Resume(ctx, sess, false); err != nil {
		return err
	}
	if err := s.writer.WriteColoContext(dst, domain.ColoSvmResumed); err != nil {
		return err
	}
	return nil
}

// suspendRound runs spec.md §4.11's secondary step 4, invoked once the
// primary's *suspend* callback for this round fires: suspend the
// secondary, run postsuspend, read its own dirty bitmap, and report it to
// the primary behind an SVM_SUSPENDED marker.
func (s *Secondary) suspendRound(ctx context.Context, sess *domain.SaveSession, dst domain.IOnodeIface) error {
	if _, err := s.suspend.Suspend(ctx, sess); err != nil {
		return err
	}
	if err := s.devices.PostSuspend(); err != nil {
		return err
	}

	pfns, err := s.dirtylog.ReadDirtyPFNs(sess.Domid)
	if err != nil {
		return domain.WrapError(domain.Failed, "colo secondary: read dirty bitmap", err)
	}

	if err := s.writer.WriteColoContext(dst, domain.ColoSvmSuspended); err != nil {
		return err
	}
	if err := writeDirtyPFNList(dst, pfns); err != nil {
		return err
	}
	return nil
}

// Run drives the secondary's round loop (spec.md §4.11): bootstrap once,
// then repeat resumeRound -> wait for NEW_CHECKPOINT -> suspendRound until
// ctx is done or a round fails. The caller's save-helper bridge is
// expected to invoke resumeRound/suspendRound's surrounding suspend and
// resume callbacks; Run itself drives the synchronous sequencing between
// them and the stream markers.
func (s *Secondary) Run(ctx context.Context, sess *domain.SaveSession, src, dst domain.IOnodeIface) error {
	defer func() {
		if err := s.devices.Teardown(); err != nil {
			logrus.WithError(err).Warn("colo: secondary device teardown reported an error")
		}
	}()

	if err := s.bootstrap(ctx, sess); err != nil {
		return err
	}

	round := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.resumeRound(ctx, sess, dst); err != nil {
			logrus.WithError(err).Errorf("colo: secondary round %d resume phase failed", round)
			return err
		}
		if err := readColoMarker(src, domain.ColoNewCheckpoint); err != nil {
			logrus.WithError(err).Errorf("colo: secondary round %d wait-for-checkpoint failed", round)
			return err
		}
		if err := s.suspendRound(ctx, sess, dst); err != nil {
			logrus.WithError(err).Errorf("colo: secondary round %d suspend phase failed", round)
			return err
		}
		round++
	}
}

// Failover tears down devices, disables dirty-log tracking, and resumes
// the secondary locally without restoring further deltas (spec.md §4.11's
// failure semantics, exercised by scenario 5 in spec.md §8: "Kill the
// primary->secondary pipe between SVM_READY and NEW_CHECKPOINT").
func (s *Secondary) Failover(ctx context.Context, sess *domain.SaveSession) error {
	if err := s.devices.Teardown(); err != nil {
		logrus.WithError(err).Warn("colo: failover device teardown reported an error")
	}
	if err := s.logdirty.Disable(ctx, sess.Domid); err != nil {
		logrus.WithError(err).Warn("colo: failover disable-logdirty reported an error")
	}
	if err := s.suspend.Resume(ctx, sess, false); err != nil {
		return domain.WrapError(domain.Failed, "colo: failover local resume failed", err)
	}
	return nil
}
