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

// Package logdirty implements the log-dirty switch (spec.md §4.4): the
// request to start or stop tracking a guest's dirtied memory pages, routed
// either through a direct emulator RPC (upstream device models) or through
// a pair of config-store keys (traditional device models).
package logdirty

import (
	"context"
	"fmt"
	"time"

	"github.com/sysmigrate/vmigrate/domain"
)

// Deadline is the fixed window the traditional request/reply-key path is
// given to complete (spec.md §4.4).
const Deadline = 10 * time.Second

const (
	cmdEnable  = "enable"
	cmdDisable = "disable"
)

// Switch drives the log-dirty request for one guest.
type Switch struct {
	store    domain.ConfigStoreIface
	emulator domain.EmulatorRPCIface
}

// New constructs a Switch over the given config-store and emulator RPC
// dependencies.
func New(store domain.ConfigStoreIface, emulator domain.EmulatorRPCIface) *Switch {
	return &Switch{store: store, emulator: emulator}
}

func cmdPath(domid uint32) string {
	return domainModelPath(domid) + "/logdirty/cmd"
}

func retPath(domid uint32) string {
	return domainModelPath(domid) + "/logdirty/ret"
}

func domainModelPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/0/device-model/%d", domid)
}

// Enable switches dirty-page logging on for domid.
func (s *Switch) Enable(ctx context.Context, domid uint32) error {
	return s.set(ctx, domid, true)
}

// Disable switches dirty-page logging off for domid.
func (s *Switch) Disable(ctx context.Context, domid uint32) error {
	return s.set(ctx, domid, false)
}

// EnableWithRecovery attempts Enable and, on failure, retries once via a
// disable-then-enable cycle -- the switch is idempotent from the caller's
// perspective, and a failed "enable" may simply mean it was already
// enabled (spec.md §4.4).
func (s *Switch) EnableWithRecovery(ctx context.Context, domid uint32) error {
	if err := s.Enable(ctx, domid); err == nil {
		return nil
	}
	if err := s.Disable(ctx, domid); err != nil {
		return err
	}
	return s.Enable(ctx, domid)
}

func (s *Switch) set(ctx context.Context, domid uint32, enable bool) error {
	if !s.emulator.IsTraditional(domid) {
		if err := s.emulator.SetLogDirty(domid, enable); err != nil {
			return domain.WrapError(domain.Failed, "log-dirty RPC failed", err)
		}
		return nil
	}
	return s.viaRequestReplyKeys(ctx, domid, enable)
}

func (s *Switch) viaRequestReplyKeys(ctx context.Context, domid uint32, enable bool) error {
	cmd := cmdDisable
	if enable {
		cmd = cmdEnable
	}

	cp, rp := cmdPath(domid), retPath(domid)

	if existing, ok := s.store.Get(cp); ok && existing != "" {
		return domain.NewError(domain.Failed, "stale log-dirty command still pending")
	}

	ch, cancel := s.store.Watch(rp)
	defer cancel()

	if err := s.store.Set(cp, cmd); err != nil {
		return domain.WrapError(domain.Failed, "write log-dirty command", err)
	}

	ctx, stop := context.WithTimeout(ctx, Deadline)
	defer stop()

	for {
		select {
		case ev := <-ch:
			if ev.Ok && ev.Value == cmd {
				_ = s.store.Set(cp, "")
				return nil
			}
		case <-ctx.Done():
			return domain.NewError(domain.TimedOut, "log-dirty reply key deadline exceeded")
		}
	}
}
