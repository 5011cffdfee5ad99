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

// Package copier implements the data copier of spec.md §4.2: an
// asynchronous byte-pump between a source IOnode and a sink IOnode, with
// bounded, caller-prefixed side-data support and per-direction completion
// events.
//
// Each job runs on its own goroutine rather than blocking the caller's own
// state-machine loop (spec.md §5's "the loop must not perform blocking
// I/O"); Cancel stops every in-flight job synchronously and is idempotent.
package copier

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysmigrate/vmigrate/domain"
)

type job struct {
	cancel chan struct{}
	done   chan struct{}
}

// Copier is the concrete domain.CopierIface implementation.
type Copier struct {
	mu     sync.Mutex
	jobs   map[*job]struct{}
	closed bool
}

var _ domain.CopierIface = (*Copier)(nil)

// New constructs an idle Copier.
func New() *Copier {
	return &Copier{jobs: make(map[*job]struct{})}
}

func (c *Copier) track(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(j.cancel)
		return
	}
	c.jobs[j] = struct{}{}
}

func (c *Copier) untrack(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, j)
}

// CopyStream pumps bytes from src to dst until EOF, or until maxSize bytes
// have moved when maxSize > 0. Exactly one CompletionEvent is sent on the
// returned channel once the copy finishes (successfully or not); the
// channel is closed after.
func (c *Copier) CopyStream(src, dst domain.IOnodeIface, maxSize int64) <-chan domain.CompletionEvent {
	out := make(chan domain.CompletionEvent, 1)
	j := &job{cancel: make(chan struct{}), done: make(chan struct{})}
	c.track(j)

	go func() {
		defer close(j.done)
		defer c.untrack(j)
		defer close(out)

		var reader io.Reader = asReader(src)
		if maxSize > 0 {
			reader = io.LimitReader(reader, maxSize)
		}

		n, err := io.Copy(asWriter(dst), &cancellableReader{r: reader, cancel: j.cancel})
		if err == errCanceled {
			err = domain.NewError(domain.Failed, "copy canceled")
		} else if err != nil {
			err = domain.WrapError(domain.PeerGone, "copy failed", err)
		}
		if err == nil {
			logrus.Debugf("copier: stream complete, %d bytes", n)
		}
		out <- domain.CompletionEvent{Direction: domain.DirWrite, Err: err}
	}()

	return out
}

// CopyFramed writes a single caller-supplied block to dst. It exists
// separately from CopyStream because the caller already knows the block's
// length (e.g. a COLO control message, or a record already buffered in
// memory) and there is no source IOnode to read from.
func (c *Copier) CopyFramed(dst domain.IOnodeIface, block []byte) <-chan domain.CompletionEvent {
	out := make(chan domain.CompletionEvent, 1)
	j := &job{cancel: make(chan struct{}), done: make(chan struct{})}
	c.track(j)

	go func() {
		defer close(j.done)
		defer c.untrack(j)
		defer close(out)

		select {
		case <-j.cancel:
			out <- domain.CompletionEvent{Direction: domain.DirWrite, Err: domain.NewError(domain.Failed, "copy canceled")}
			return
		default:
		}

		_, err := dst.Write(block)
		if err != nil {
			err = domain.WrapError(domain.PeerGone, "framed write failed", err)
		}
		out <- domain.CompletionEvent{Direction: domain.DirWrite, Err: err}
	}()

	return out
}

// Cancel aborts every in-progress job. It is synchronous: by the time it
// returns, every tracked job has finished and delivered its
// CompletionEvent. It is idempotent; calling it again or calling it with
// no jobs in flight is a no-op.
func (c *Copier) Cancel() {
	c.mu.Lock()
	c.closed = true
	jobs := make([]*job, 0, len(c.jobs))
	for j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		select {
		case <-j.cancel:
		default:
			close(j.cancel)
		}
	}
	for _, j := range jobs {
		<-j.done
	}

	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

func asReader(n domain.IOnodeIface) io.Reader {
	return readerFunc(n.Read)
}

func asWriter(n domain.IOnodeIface) io.Writer {
	return writerFunc(n.Write)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
