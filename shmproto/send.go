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

package shmproto

import (
	"io"
)

// Transfer phases reinterpret the first bytes of the segment
// in turn: a 32-bit verdict, then a 64-bit byte count, then
// raw file content. Which interpretation is live is implicit
// in the position within the protocol; no tag is stored in
// the buffer, because clearing one would cost a round-trip.
const (
	verdictHit  = 1
	verdictMiss = -1
)

// handshake is one full rendezvous: hand the buffer to the
// peer, then wait until the peer hands it back.
func handshake(sem Sem) error {
	if err := sem.Post(); err != nil {
		return err
	}
	return sem.Wait()
}

// SendMiss runs the daemon side of a transaction whose key
// is not in the cache: the verdict phase fires with a miss
// and the exchange terminates early by mutual agreement.
func SendMiss(mem []byte, sem Sem) error {
	miss := int32(verdictMiss)
	putU32(mem, uint32(miss))
	return handshake(sem)
}

// SendFile runs the daemon side of a hit: verdict, total
// length, ceil(size/len(mem)) content chunks, then the zero
// sentinel that confirms the end of the transfer. A
// zero-length file skips the content chunks but still
// exchanges the sentinel.
//
// Chunks are read at explicit offsets so that concurrent
// transactions sharing one cache descriptor do not disturb
// each other. A short or failed read is logged and the
// missing bytes zero-filled; the protocol always runs to
// completion so the proxy side is never stranded
// mid-exchange.
func SendFile(mem []byte, sem Sem, src io.ReaderAt, size int64, logf func(string, ...interface{})) error {
	putU32(mem, uint32(int32(verdictHit)))
	if err := handshake(sem); err != nil {
		return err
	}
	putU64(mem, uint64(size))
	if err := handshake(sem); err != nil {
		return err
	}
	off := int64(0)
	for off < size {
		n := int64(len(mem))
		if size-off < n {
			n = size - off
		}
		nr, err := src.ReadAt(mem[:n], off)
		if int64(nr) < n {
			if logf != nil {
				logf("read at %d: %s", off, err)
			}
			for i := int64(nr); i < n; i++ {
				mem[i] = 0
			}
		}
		if err := handshake(sem); err != nil {
			return err
		}
		off += n
	}
	putU64(mem, 0)
	return handshake(sem)
}
