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

package stream

import (
	"os"
	"os/exec"
	"strconv"

	"github.com/sysmigrate/vmigrate/domain"
)

// LegacyConverter forks the external legacy-format converter subprocess
// (spec.md §6) and exposes its stdout as the reader's input once the
// caller has declared a restore session legacy.
type LegacyConverter struct {
	path string

	cmd  *exec.Cmd
	outR *os.File
}

// NewLegacyConverter constructs a LegacyConverter that will fork path.
func NewLegacyConverter(path string) *LegacyConverter {
	return &LegacyConverter{path: path}
}

// Spawn forks the converter against rsess's input descriptor and guest
// shape, exactly the argv spec.md §6 describes: "--in <fd> --out <fd>
// --width {32|64} --guest {hvm|pv} --format libxl". Its stdout becomes
// rsess.ConvertedFd, the fd the stream reader should read from instead of
// rsess.FdIn.
func (c *LegacyConverter) Spawn(rsess *domain.RestoreSession) error {
	guestArg := "pv"
	if rsess.HVM {
		guestArg = "hvm"
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return domain.WrapError(domain.Failed, "create legacy converter output pipe", err)
	}

	// The child only inherits fd 0/1/2 plus whatever os/exec.ExtraFiles
	// lists, always starting at fd 3 regardless of the parent's numbering;
	// "--in 3" tells the converter where its input landed in its own fd
	// space, not rsess.FdIn's value in ours.
	const childInFd = 3

	cmd := exec.Command(c.path,
		"--in", strconv.Itoa(childInFd),
		"--out", "1",
		"--width", strconv.Itoa(rsess.LegacyWidth),
		"--guest", guestArg,
		"--format", "libxl",
	)
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(rsess.FdIn), "legacy-in")}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return domain.WrapError(domain.Failed, "start legacy converter process", err)
	}
	outW.Close()

	c.cmd = cmd
	c.outR = outR
	rsess.ConvertedFd = int(outR.Fd())

	return nil
}

// Join waits for the converter process to exit, closing its output pipe.
// It must be called exactly once, at teardown, per spec.md §4.8.
func (c *LegacyConverter) Join() error {
	defer c.outR.Close()
	if err := c.cmd.Wait(); err != nil {
		return domain.WrapError(domain.PeerGone, "legacy converter exited with error", err)
	}
	return nil
}
