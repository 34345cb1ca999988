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
	"fmt"
	"io"
)

// A HeaderFunc consumes the verdict of a transaction exactly
// once, before any body bytes: hit=true comes with the total
// file length, hit=false always carries zero.
type HeaderFunc func(hit bool, size int64) error

// Sem is the rendezvous semaphore both sides alternate on;
// *shm.Sem satisfies it. The protocol functions take the
// interface so that tests can drive both sides in one
// process.
type Sem interface {
	Wait() error
	Post() error
}

// Receive runs the proxy side of one transaction: it reads
// the verdict, reports it through header, then (on a hit)
// drains the content chunks into dst and checks the final
// sentinel. It returns the number of body bytes written to
// dst.
//
// A short or failed write to dst is logged but does not stop
// the exchange: the remaining chunks are still consumed so
// that the daemon side terminates cleanly and the segment
// can be released. The client simply sees a truncated body.
func Receive(mem []byte, sem Sem, dst io.Writer, header HeaderFunc, logf func(string, ...interface{})) (int64, error) {
	if err := sem.Wait(); err != nil {
		return 0, err
	}
	verdict := int32(getU32(mem))
	if err := sem.Post(); err != nil {
		return 0, err
	}
	switch verdict {
	case verdictMiss:
		return 0, header(false, 0)
	case verdictHit:
		// fall through to the length phase
	default:
		return 0, fmt.Errorf("shmproto: unexpected verdict %d", verdict)
	}
	if err := sem.Wait(); err != nil {
		return 0, err
	}
	size := int64(getU64(mem))
	if size < 0 {
		return 0, fmt.Errorf("shmproto: unexpected file length %d", size)
	}
	herr := header(true, size)
	if err := sem.Post(); err != nil {
		return 0, err
	}
	if herr != nil && logf != nil {
		logf("header: %s", herr)
	}
	var written int64
	broken := herr != nil
	remaining := size
	for remaining > 0 {
		if err := sem.Wait(); err != nil {
			return written, err
		}
		n := int64(len(mem))
		if remaining < n {
			n = remaining
		}
		if !broken {
			nw, err := dst.Write(mem[:n])
			written += int64(nw)
			if err != nil || int64(nw) != n {
				// keep draining so the peer is not
				// stranded; the client gets a short body
				if logf != nil {
					logf("write error")
				}
				broken = true
			}
		}
		remaining -= n
		if err := sem.Post(); err != nil {
			return written, err
		}
	}
	if err := sem.Wait(); err != nil {
		return written, err
	}
	if tail := getU64(mem); tail != 0 {
		if logf != nil {
			logf("transfer error")
		}
	}
	if err := sem.Post(); err != nil {
		return written, err
	}
	return written, nil
}
