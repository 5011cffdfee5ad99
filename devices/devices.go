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

// Package devices implements the checkpoint device harness (spec.md
// §4.9): a container of per-device plugins, each participating in a
// subset of the setup/teardown/postsuspend/preresume/commit phases that
// bracket every checkpoint. Every phase but setup fans out in parallel
// across matched devices; setup is fail-fast with teardown run on any
// device that already matched.
package devices

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysmigrate/vmigrate/domain"
)

// Container owns a fixed set of checkpoint devices and drives their
// parallel lifecycle (spec.md §4.9).
type Container struct {
	mu      sync.Mutex
	devices []domain.CheckpointDevice
	matched map[domain.CheckpointDevice]bool
}

// New constructs a Container over the given devices. Devices are not
// started until Setup is called.
func New(devs ...domain.CheckpointDevice) *Container {
	return &Container{
		devices: devs,
		matched: make(map[domain.CheckpointDevice]bool, len(devs)),
	}
}

// Setup runs every device's Setup phase in parallel. If any device
// returns an error, Setup tears down every device that had already
// reported a match before returning the first error (spec.md §4.9: "fail
// -fast teardown on any error").
func (c *Container) Setup() error {
	type result struct {
		dev     domain.CheckpointDevice
		matched bool
		err     error
	}

	results := make(chan result, len(c.devices))
	var wg sync.WaitGroup
	for _, d := range c.devices {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			matched, err := d.Setup()
			results <- result{dev: d, matched: matched, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil {
			logrus.WithError(r.err).Warnf("devices: setup failed for kind %s", r.dev.Kind())
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.matched {
			c.mu.Lock()
			c.matched[r.dev] = true
			c.mu.Unlock()
		}
	}

	if firstErr != nil {
		c.Teardown()
		return domain.WrapError(domain.DeviceMismatch, "checkpoint device setup failed", firstErr)
	}
	return nil
}

// Teardown runs Teardown on every matched device, in parallel, best
// effort (spec.md §4.9): every device that matched gets exactly one
// teardown call regardless of the outcome of any other phase, and a
// teardown failure on one device does not skip the rest.
func (c *Container) Teardown() error {
	devs := c.matchedDevices()

	var wg sync.WaitGroup
	errs := make(chan error, len(devs))
	for _, d := range devs {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Teardown(); err != nil {
				logrus.WithError(err).Warnf("devices: teardown failed for kind %s", d.Kind())
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	c.mu.Lock()
	c.matched = make(map[domain.CheckpointDevice]bool)
	c.mu.Unlock()

	for err := range errs {
		return err // first reported teardown error; rest already logged above
	}
	return nil
}

// PostSuspend runs PostSuspend on every matched device in parallel (spec.md
// §4.9, the checkpoint harness phase that fires once the guest is
// suspended).
func (c *Container) PostSuspend() error {
	return c.fanOut(func(d domain.CheckpointDevice) error { return d.PostSuspend() })
}

// PreResume runs PreResume on every matched device in parallel, before the
// guest is resumed.
func (c *Container) PreResume() error {
	return c.fanOut(func(d domain.CheckpointDevice) error { return d.PreResume() })
}

// Commit runs Commit on every matched device in parallel, after the guest
// has resumed and this checkpoint's outputs are stable.
func (c *Container) Commit() error {
	return c.fanOut(func(d domain.CheckpointDevice) error { return d.Commit() })
}

func (c *Container) matchedDevices() []domain.CheckpointDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CheckpointDevice, 0, len(c.matched))
	for d, ok := range c.matched {
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func (c *Container) fanOut(phase func(domain.CheckpointDevice) error) error {
	devs := c.matchedDevices()

	var wg sync.WaitGroup
	errs := make(chan error, len(devs))
	for _, d := range devs {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := phase(d); err != nil {
				errs <- domain.WrapError(domain.Failed, "checkpoint device phase failed", err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}
