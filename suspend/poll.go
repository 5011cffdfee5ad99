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

package suspend

import (
	"context"
	"time"
)

// domainInfoPollInterval is how often waitShutdown re-polls domain info
// while waiting for the guest's shutdown flag to be observed.
const domainInfoPollInterval = 50 * time.Millisecond

type ticker struct {
	c    <-chan time.Time
	stop func()
}

func pollTicker(ctx context.Context) *ticker {
	t := time.NewTicker(domainInfoPollInterval)
	return &ticker{c: t.C, stop: t.Stop}
}
