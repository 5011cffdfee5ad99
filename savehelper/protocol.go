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

package savehelper

import "github.com/sysmigrate/vmigrate/domain"

// Wire messages exchanged with the external save-helper process over the
// pipe pair, mirroring the JSON request/response framing the teacher uses
// for its own out-of-process bridge (nsenter/event.go), minus the
// namespace-entering specifics that don't apply here.

type requestMsg struct {
	Kind domain.HelperCallbackKind `json:"kind"`
}

type responseMsg struct {
	Status domain.HelperCallbackStatus `json:"status"`
	Err    string                      `json:"err,omitempty"`
}

// terminationMsg is distinguished from requestMsg by the presence of the
// "termination" field on the wire; see decode() in savehelper.go.
type terminationMsg struct {
	Termination bool `json:"termination"`
	RC          int  `json:"rc"`
	Retval      int  `json:"retval"`
	Errno       int  `json:"errno"`
}
