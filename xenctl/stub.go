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

// Package xenctl is the boundary adapter to the hypervisor syscall
// surface and the device-model process, both out of scope for this module
// (spec.md §1: "consumed as a black-box ... save/restore helper" /
// "consumed through two opcodes"). It exists so cmd/migrated has a
// concrete, if inert, implementation of domain.GuestControlIface,
// domain.EmulatorRPCIface and domain.DirtyLogIface to wire the rest of
// the control plane against; a real deployment replaces this package with
// one backed by the actual hypervisor/emulator RPC transport.
package xenctl

import "github.com/sysmigrate/vmigrate/domain"

// unimplemented is returned by every stub call; the message names the
// operation so a caller sees exactly which backend RPC would have fired.
func unimplemented(op string) error {
	return domain.NewError(domain.Failed, "xenctl: "+op+" requires a real hypervisor backend")
}

// Guest is a placeholder domain.GuestControlIface. It never actually
// contacts a hypervisor; every state-changing call fails with Failed so a
// session attempted against it surfaces a clear, typed error rather than
// silently doing nothing.
type Guest struct {
	events chan uint32
}

var _ domain.GuestControlIface = (*Guest)(nil)

// NewGuest constructs an inert Guest control surface.
func NewGuest() *Guest {
	return &Guest{events: make(chan uint32)}
}

func (g *Guest) NotifyEventChannel(domid uint32) error { return unimplemented("notify event channel") }
func (g *Guest) ShutdownSuspend(domid uint32) error    { return unimplemented("shutdown-suspend") }

func (g *Guest) PollDomainInfo(domid uint32) (domain.DomainInfo, error) {
	return domain.DomainInfo{}, unimplemented("poll domain info")
}

func (g *Guest) Resume(domid uint32, cancel bool) error { return unimplemented("hypervisor resume") }

func (g *Guest) ShutdownEvents() <-chan uint32 { return g.events }

// Emulator is a placeholder domain.EmulatorRPCIface.
type Emulator struct {
	// Traditional, when true, routes IsTraditional(domid) true for every
	// domid, matching the CLI's --dm-traditional flag.
	Traditional bool
}

var _ domain.EmulatorRPCIface = (*Emulator)(nil)

func (e *Emulator) Stop(domid uint32) error                         { return unimplemented("emulator stop") }
func (e *Emulator) Save(domid uint32, path string) error            { return unimplemented("emulator save") }
func (e *Emulator) Resume(domid uint32) error                       { return unimplemented("emulator resume") }
func (e *Emulator) RestoreFromFile(domid uint32, path string) error { return unimplemented("emulator restore") }
func (e *Emulator) SetLogDirty(domid uint32, enable bool) error     { return unimplemented("emulator set-logdirty") }
func (e *Emulator) IsTraditional(domid uint32) bool                 { return e.Traditional }

// DirtyLog is a placeholder domain.DirtyLogIface.
type DirtyLog struct{}

var _ domain.DirtyLogIface = (*DirtyLog)(nil)

func (DirtyLog) ReadDirtyPFNs(domid uint32) ([]uint64, error) {
	return nil, unimplemented("read dirty-log bitmap")
}

func (DirtyLog) Close() error { return nil }
