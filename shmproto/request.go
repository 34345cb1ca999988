// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package shmproto implements the data plane between the
// proxy and the cache daemon: the fixed-layout request
// message carried by the message queue, and the chunked
// transfer protocol that streams a file of arbitrary length
// through one fixed-size shared-memory segment.
package shmproto

import (
	"fmt"
	"strings"
)

const (
	// QueueName is the well-known request queue name.
	QueueName = "/simplecache_mq"

	// QueueDepth and MaxMessage are the queue attributes
	// (mq_maxmsg and mq_msgsize).
	QueueDepth = 10
	MaxMessage = 512

	// nameLen is the fixed width of each object-name field:
	// up to 11 bytes of name plus NUL padding.
	nameLen = 12

	headerLen = 3*nameLen + 4 + 4
)

// Request describes one cache transaction: which segment
// and semaphore pair to use, how large the segment is, and
// which file the client asked for.
type Request struct {
	MemName     string
	SemAName    string
	SemBName    string
	SegmentSize int32
	Path        string
}

func putName(dst []byte, name string) error {
	if len(name) >= nameLen {
		return fmt.Errorf("shmproto: name %q does not fit in %d bytes", name, nameLen)
	}
	n := copy(dst, name)
	for i := n; i < nameLen; i++ {
		dst[i] = 0
	}
	return nil
}

func getName(src []byte) string {
	if i := strings.IndexByte(string(src[:nameLen]), 0); i >= 0 {
		return string(src[:i])
	}
	return string(src[:nameLen])
}

// Encode packs r into the fixed wire layout:
// three NUL-padded 12-byte names, two native-order int32s
// (segment size and path length including the trailing NUL),
// then the NUL-terminated path.
func (r *Request) Encode() ([]byte, error) {
	pathLen := len(r.Path) + 1 // include NUL
	total := headerLen + pathLen
	if total > MaxMessage {
		return nil, fmt.Errorf("shmproto: path %q overflows %d-byte message", r.Path, MaxMessage)
	}
	msg := make([]byte, total)
	if err := putName(msg[0:], r.MemName); err != nil {
		return nil, err
	}
	if err := putName(msg[nameLen:], r.SemAName); err != nil {
		return nil, err
	}
	if err := putName(msg[2*nameLen:], r.SemBName); err != nil {
		return nil, err
	}
	putU32(msg[3*nameLen:], uint32(r.SegmentSize))
	putU32(msg[3*nameLen+4:], uint32(pathLen))
	copy(msg[headerLen:], r.Path)
	msg[total-1] = 0
	return msg, nil
}

// ParseRequest is the receiving-side inverse of Encode.
func ParseRequest(msg []byte) (*Request, error) {
	if len(msg) < headerLen {
		return nil, fmt.Errorf("shmproto: %d-byte message too short for request header", len(msg))
	}
	r := &Request{
		MemName:     getName(msg[0:]),
		SemAName:    getName(msg[nameLen:]),
		SemBName:    getName(msg[2*nameLen:]),
		SegmentSize: int32(getU32(msg[3*nameLen:])),
	}
	pathLen := int(int32(getU32(msg[3*nameLen+4:])))
	if pathLen < 1 || headerLen+pathLen > len(msg) {
		return nil, fmt.Errorf("shmproto: bad path length %d in %d-byte message", pathLen, len(msg))
	}
	path := msg[headerLen : headerLen+pathLen]
	if path[pathLen-1] != 0 {
		return nil, fmt.Errorf("shmproto: request path is not NUL-terminated")
	}
	r.Path = string(path[:pathLen-1])
	if r.SegmentSize < 1 {
		return nil, fmt.Errorf("shmproto: bad segment size %d", r.SegmentSize)
	}
	return r, nil
}
