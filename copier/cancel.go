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

package copier

import "errors"

// errCanceled is returned by cancellableReader once its cancel channel has
// fired; it is never exposed to callers directly, only translated into a
// domain.MigrateError.
var errCanceled = errors.New("copier: canceled")

// cancellableReader makes an in-progress io.Copy observe a cancel signal
// between reads, since IOnodeIface has no context-aware Read of its own.
type cancellableReader struct {
	r      interface{ Read([]byte) (int, error) }
	cancel <-chan struct{}
}

func (c *cancellableReader) Read(p []byte) (int, error) {
	select {
	case <-c.cancel:
		return 0, errCanceled
	default:
	}
	return c.r.Read(p)
}
