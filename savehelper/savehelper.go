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

// Package savehelper implements the bridge to the external save-helper
// process (spec.md §4.6): a cooperating process driven over a pair of
// pipes that calls back into this module for five named operations and
// emits exactly one termination event when its inner substream ends.
//
// The pipe/exec.Cmd plumbing mirrors the teacher's own out-of-process
// bridge (nsenter/event.go's Launch/processRequest/processResponse), with
// JSON in place of the teacher's netlink-style payload and without the
// namespace-entering specifics, which have no analogue in this domain.
package savehelper

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sysmigrate/vmigrate/domain"
)

// Bridge drives one save-helper child process.
type Bridge struct {
	path string
	args []string

	mu        sync.Mutex
	callbacks map[domain.HelperCallbackKind]func() (domain.HelperCallbackStatus, error)

	cmd        *exec.Cmd
	toHelper   *os.File
	fromHelper *os.File

	term       chan domain.TerminationEvent
	cancelOnce sync.Once
}

var _ domain.SaveHelperIface = (*Bridge)(nil)

// New constructs a Bridge that will launch path with args when Start is
// called.
func New(path string, args ...string) *Bridge {
	return &Bridge{path: path, args: args, term: make(chan domain.TerminationEvent, 1)}
}

// Setup registers the callback bodies; see domain.SaveHelperIface.
func (b *Bridge) Setup(callbacks map[domain.HelperCallbackKind]func() (domain.HelperCallbackStatus, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = callbacks
}

// Start launches the helper process over a pipe pair and begins pumping
// callback requests to the registered handlers. extraFiles, if given, are
// handed to the child starting at fd 3 (the same os/exec.ExtraFiles
// convention stream.LegacyConverter.Spawn uses); the save-helper's own
// opaque inner substream (spec.md §4.6's "[helper runs, emits LIBXC
// body]") is written directly onto one of those, bypassing this bridge's
// JSON control pipes entirely.
func (b *Bridge) Start(extraFiles ...*os.File) error {
	inR, inW, err := os.Pipe()
	if err != nil {
		return domain.WrapError(domain.Failed, "create save-helper stdin pipe", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return domain.WrapError(domain.Failed, "create save-helper stdout pipe", err)
	}

	cmd := exec.Command(b.path, b.args...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return domain.WrapError(domain.Failed, "start save-helper process", err)
	}

	// Close the parent's copies of the child's pipe ends.
	inR.Close()
	outW.Close()

	b.mu.Lock()
	b.cmd = cmd
	b.toHelper = inW
	b.fromHelper = outR
	b.mu.Unlock()

	go b.pump()

	return nil
}

func (b *Bridge) pump() {
	dec := json.NewDecoder(b.fromHelper)

	for {
		var envelope struct {
			requestMsg
			terminationMsg
		}

		if err := dec.Decode(&envelope); err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).Warn("savehelper: malformed message from helper")
			}
			b.finish(domain.TerminationEvent{RC: -1, Errno: int(unix.EPIPE)})
			return
		}

		if envelope.Termination {
			b.finish(domain.TerminationEvent{RC: envelope.RC, Retval: envelope.Retval, Errno: envelope.Errno})
			return
		}

		status, err := b.dispatch(envelope.Kind)
		resp := responseMsg{Status: status}
		if err != nil {
			resp.Err = err.Error()
		}

		enc := json.NewEncoder(b.toHelper)
		if encErr := enc.Encode(resp); encErr != nil {
			logrus.WithError(encErr).Warn("savehelper: failed to ack helper callback")
			b.finish(domain.TerminationEvent{RC: -1, Errno: int(unix.EPIPE)})
			return
		}
	}
}

func (b *Bridge) dispatch(kind domain.HelperCallbackKind) (domain.HelperCallbackStatus, error) {
	b.mu.Lock()
	fn, ok := b.callbacks[kind]
	b.mu.Unlock()

	if !ok {
		return domain.HelperFailedRecoverable, domain.NewError(domain.Invalid, "no callback registered for this kind")
	}
	return fn()
}

func (b *Bridge) finish(ev domain.TerminationEvent) {
	select {
	case b.term <- ev:
	default:
	}
}

// Wait blocks until the helper's termination event arrives.
func (b *Bridge) Wait() (domain.TerminationEvent, error) {
	ev := <-b.term

	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()

	if cmd != nil {
		_ = cmd.Wait()
	}
	return ev, nil
}

// Cancel requests the helper quiesce and terminate; idempotent.
func (b *Bridge) Cancel(err error) {
	b.cancelOnce.Do(func() {
		b.mu.Lock()
		cmd := b.cmd
		toHelper := b.toHelper
		fromHelper := b.fromHelper
		b.mu.Unlock()

		if toHelper != nil {
			toHelper.Close()
		}
		if fromHelper != nil {
			fromHelper.Close()
		}
		if cmd != nil && cmd.Process != nil {
			_ = unix.Kill(cmd.Process.Pid, unix.SIGTERM)
		}

		reason := 0
		if err != nil {
			reason = -1
		}
		b.finish(domain.TerminationEvent{RC: reason})
	})
}
