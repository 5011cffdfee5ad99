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

// Package colo implements the COLO fault-tolerance engine (spec.md
// §4.11): the primary and secondary state machines, and the colo-proxy
// control channel used between this control plane and the in-kernel
// network-output comparator.
package colo

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/vishvananda/netlink/nl"

	"github.com/sysmigrate/vmigrate/domain"
)

// attrClientIndex tags the client-index attribute carried on an INIT
// request and its ack.
const attrClientIndex = 1

// attrCheckpointFlag tags the boolean "should checkpoint now" attribute on
// a QUERY_CHECKPOINT reply.
const attrCheckpointFlag = 2

// recvTimeout is the non-blocking QUERY_CHECKPOINT recv deadline (spec.md
// §4.11).
var recvTimeout = domain.ColoProxyRecvTimeout

// Proxy implements domain.ColoProxyIface over a datagram-oriented
// net.Conn (spec.md §6: "COLO control channel: datagram-oriented"),
// encoding opcodes the same length-prefixed attribute-message shape the
// teacher's nsenter bridge uses for its own out-of-process protocol
// (nsenter/event.go's nl.NewNetlinkRequest/AddData), since the teacher
// already treats the vishvananda/netlink/nl package as a generic
// extensible binary-message builder rather than something tied to real
// netlink sockets.
type Proxy struct {
	conn  net.Conn
	index uint32
}

var _ domain.ColoProxyIface = (*Proxy)(nil)

// NewProxy constructs a Proxy driving the colo-proxy control channel over
// conn.
func NewProxy(conn net.Conn) *Proxy {
	return &Proxy{conn: conn}
}

// Init registers this client with the colo-proxy, trying candidate
// indices 1..ColoClientIndexMax until one is acked (spec.md §6: "each
// client registers with a unique 32-bit index (chosen by trying
// candidates 1..10)").
func (p *Proxy) Init() (uint32, error) {
	for idx := uint32(1); idx <= domain.ColoClientIndexMax; idx++ {
		req := nl.NewNetlinkRequest(int(domain.ColoOpInit), 0)
		req.AddData(nl.NewRtAttr(attrClientIndex, encodeU32(idx)))

		if _, err := p.conn.Write(req.Serialize()); err != nil {
			return 0, domain.WrapError(domain.PeerGone, "colo-proxy: write INIT request", err)
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
			return 0, domain.WrapError(domain.Failed, "colo-proxy: set INIT read deadline", err)
		}
		buf := make([]byte, 64)
		n, err := p.conn.Read(buf)
		if err != nil {
			// Index already taken by another client; try the next one.
			continue
		}
		if n >= 4 && binary.BigEndian.Uint32(buf[:4]) == idx {
			p.index = idx
			return idx, nil
		}
	}
	return 0, domain.NewError(domain.Failed, "colo-proxy: exhausted client index candidates 1..10")
}

// Checkpoint fires the fire-and-forget CHECKPOINT opcode.
func (p *Proxy) Checkpoint() error {
	req := nl.NewNetlinkRequest(int(domain.ColoOpCheckpoint), 0)
	req.AddData(nl.NewRtAttr(attrClientIndex, encodeU32(p.index)))
	if _, err := p.conn.Write(req.Serialize()); err != nil {
		return domain.WrapError(domain.PeerGone, "colo-proxy: write CHECKPOINT", err)
	}
	return nil
}

// QueryCheckpoint asks whether a checkpoint should run now; the recv is
// non-blocking with a 500ms deadline (spec.md §6/§8): no pending message
// within the deadline means "no-checkpoint", not an error.
func (p *Proxy) QueryCheckpoint() (bool, error) {
	req := nl.NewNetlinkRequest(int(domain.ColoOpQueryCheckpoint), 0)
	req.AddData(nl.NewRtAttr(attrClientIndex, encodeU32(p.index)))
	if _, err := p.conn.Write(req.Serialize()); err != nil {
		return false, domain.WrapError(domain.PeerGone, "colo-proxy: write QUERY_CHECKPOINT", err)
	}

	if err := p.conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		return false, domain.WrapError(domain.Failed, "colo-proxy: set QUERY_CHECKPOINT read deadline", err)
	}
	buf := make([]byte, 64)
	n, err := p.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, domain.WrapError(domain.PeerGone, "colo-proxy: read QUERY_CHECKPOINT reply", err)
	}
	if n < 4 {
		return false, domain.NewError(domain.Invalid, "colo-proxy: short QUERY_CHECKPOINT reply")
	}
	return binary.BigEndian.Uint32(buf[:4]) != 0, nil
}

// Failover fires the fire-and-forget FAILOVER opcode.
func (p *Proxy) Failover() error {
	req := nl.NewNetlinkRequest(int(domain.ColoOpFailover), 0)
	req.AddData(nl.NewRtAttr(attrClientIndex, encodeU32(p.index)))
	if _, err := p.conn.Write(req.Serialize()); err != nil {
		return domain.WrapError(domain.PeerGone, "colo-proxy: write FAILOVER", err)
	}
	return nil
}

// Close tears down the control channel connection.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
