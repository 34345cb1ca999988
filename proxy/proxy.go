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

// Package proxy implements the cache-backed worker callback
// of the web proxy: each request leases a shared-memory
// segment, describes it to the cache daemon over the request
// queue, and then runs the receiving side of the chunked
// transfer protocol, forwarding the file to the client.
package proxy

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SnellerInc/shmcache/gfserver"
	"github.com/SnellerInc/shmcache/mqueue"
	"github.com/SnellerInc/shmcache/shm"
	"github.com/SnellerInc/shmcache/shmproto"
)

type Logger interface {
	Printf(f string, args ...interface{})
}

// Handler serves Getfile requests out of the cache daemon.
// Workers share nothing but the pool; every transaction runs
// on whichever goroutine the Getfile server dispatched it to.
type Handler struct {
	// Pool supplies the shared-memory segments. The
	// handler leases exactly one per request and releases
	// it on every exit path.
	Pool *shm.Pool

	// QueueName overrides the well-known request queue
	// name; empty means shmproto.QueueName.
	QueueName string

	// Logger, if non-nil, receives transfer diagnostics.
	Logger Logger
}

func (h *Handler) logf(f string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(f, args...)
	}
}

// mq open retry: the daemon may simply not be up yet, which
// is the one startup-order skew this system tolerates.
const (
	retryStart  = 250 * time.Millisecond
	retryCap    = 2 * time.Second
	retryBudget = 30 * time.Second
)

func startupRace(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES)
}

// openQueue opens the request queue send-only, backing off
// while the daemon has not created it yet. Exhausting the
// retry budget fails the request.
func (h *Handler) openQueue(name string) (*mqueue.Queue, error) {
	sleep := retryStart
	deadline := time.Now().Add(retryBudget)
	for {
		q, err := mqueue.OpenSend(name)
		if err == nil {
			return q, nil
		}
		if !startupRace(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("giving up on %s: %w", name, err)
		}
		h.logf("waiting for simplecached")
		time.Sleep(sleep)
		if sleep *= 2; sleep > retryCap {
			sleep = retryCap
		}
	}
}

// Handle implements gfserver.Handler.
//
// Resource release is guaranteed on every exit path,
// including a failed queue send: the lease returns to the
// pool, both semaphore names are unlinked, and the mapping
// and queue descriptor are closed. An error return before
// the header is sent makes the Getfile layer answer ERROR.
func (h *Handler) Handle(ctx *gfserver.Context, path string, arg interface{}) error {
	qname := h.QueueName
	if qname == "" {
		qname = shmproto.QueueName
	}

	seg := h.Pool.Lease()
	defer h.Pool.Release(seg)

	semA, err := shm.OpenSem(seg.SemAName, 0)
	if err != nil {
		return err
	}
	defer func() {
		semA.Close()
		shm.UnlinkSem(seg.SemAName)
	}()
	// the second semaphore is reserved for a future
	// bidirectional extension; it only exists so that its
	// lifecycle mirrors semA's
	semB, err := shm.OpenSem(seg.SemBName, 0)
	if err != nil {
		return err
	}
	defer func() {
		semB.Close()
		shm.UnlinkSem(seg.SemBName)
	}()

	q, err := h.openQueue(qname)
	if err != nil {
		return err
	}
	defer q.Close()

	mem, err := shm.Map(seg.File, seg.Size())
	if err != nil {
		return err
	}
	defer shm.Unmap(mem)

	req := shmproto.Request{
		MemName:     seg.MemName,
		SemAName:    seg.SemAName,
		SemBName:    seg.SemBName,
		SegmentSize: int32(seg.Size()),
		Path:        path,
	}
	msg, err := req.Encode()
	if err != nil {
		return err
	}
	if err := q.Send(msg); err != nil {
		return err
	}

	header := func(hit bool, size int64) error {
		if !hit {
			return ctx.SendHeader(gfserver.StatusNotFound, 0)
		}
		return ctx.SendHeader(gfserver.StatusOK, size)
	}
	_, err = shmproto.Receive(mem, semA, writerFunc(ctx.Send), header, h.logf)
	return err
}

type writerFunc func(p []byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }
