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

// Package cached implements the cache daemon's serving loop:
// a dispatcher that drains the request queue and a pool of
// workers that answer each request over its shared-memory
// segment.
//
// The daemon opens segments and semaphores strictly by the
// names a request carries, and never unlinks them; the proxy
// owns every name in the data plane.
package cached

import (
	"fmt"
	"sync"

	"github.com/SnellerInc/shmcache/filecache"
	"github.com/SnellerInc/shmcache/mqueue"
	"github.com/SnellerInc/shmcache/shm"
	"github.com/SnellerInc/shmcache/shmproto"
)

// MaxThreads bounds the worker pool, matching the proxy's
// limit on its own threads.
const MaxThreads = 1000

type Logger interface {
	Printf(f string, args ...interface{})
}

// Server owns the daemon's work queue and worker pool.
type Server struct {
	// Cache resolves request paths to open descriptors.
	Cache *filecache.Index

	// Logger, if non-nil, receives per-request errors.
	// Worker errors terminate single transactions only;
	// the workers themselves run until the dispatcher
	// shuts down.
	Logger Logger

	mu      sync.Mutex
	cond    sync.Cond
	backlog []*shmproto.Request
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

func (s *Server) logf(f string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(f, args...)
	}
}

func (s *Server) init() {
	s.once.Do(func() {
		s.cond.L = &s.mu
	})
}

// Run serves requests arriving on q with nthreads workers.
// It blocks until Receive returns an error (unlinking the
// queue name does not cause one; open descriptors outlive
// the name), then drains the backlog and returns the
// receive error.
func (s *Server) Run(q *mqueue.Queue, nthreads int) error {
	if s.Cache == nil {
		return fmt.Errorf("cached: no cache index")
	}
	if nthreads < 1 || nthreads > MaxThreads {
		return fmt.Errorf("cached: thread count %d out of range 1..%d", nthreads, MaxThreads)
	}
	s.init()
	s.wg.Add(nthreads)
	for i := 0; i < nthreads; i++ {
		go s.worker()
	}
	var rerr error
	buf := make([]byte, shmproto.MaxMessage)
	for {
		n, err := q.Receive(buf)
		if err != nil {
			rerr = err
			break
		}
		req, err := shmproto.ParseRequest(buf[:n])
		if err != nil {
			// a malformed request names no segment,
			// so there is no peer to unblock
			s.logf("dropping request: %s", err)
			continue
		}
		s.mu.Lock()
		s.backlog = append(s.backlog, req)
		s.cond.Signal()
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
	return rerr
}

// next pops one request, blocking until work arrives or the
// dispatcher has shut down with an empty backlog.
func (s *Server) next() *shmproto.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.backlog) == 0 {
		if s.closed {
			return nil
		}
		s.cond.Wait()
	}
	req := s.backlog[0]
	s.backlog = s.backlog[1:]
	return req
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		req := s.next()
		if req == nil {
			return
		}
		if err := s.serve(req); err != nil {
			s.logf("%s: %s", req.Path, err)
		}
	}
}

// serve answers one request over its segment. Cleanup runs
// on every exit path: unmap, close the segment descriptor,
// close (but never unlink) both semaphores.
func (s *Server) serve(req *shmproto.Request) error {
	f, err := shm.OpenShared(req.MemName)
	if err != nil {
		return err
	}
	defer f.Close()
	semA, err := shm.OpenSem(req.SemAName, 0)
	if err != nil {
		return err
	}
	defer semA.Close()
	semB, err := shm.OpenSem(req.SemBName, 0)
	if err != nil {
		return err
	}
	defer semB.Close()
	mem, err := shm.Map(f, int64(req.SegmentSize))
	if err != nil {
		return err
	}
	defer shm.Unmap(mem)

	src, ok := s.Cache.Lookup(req.Path)
	if !ok {
		return shmproto.SendMiss(mem, semA)
	}
	info, err := src.Stat()
	if err != nil {
		// the descriptor was vetted at startup; treat a
		// failed stat like a miss rather than stranding
		// the proxy worker
		s.logf("%s: stat: %s", req.Path, err)
		return shmproto.SendMiss(mem, semA)
	}
	return shmproto.SendFile(mem, semA, src, info.Size(), s.logf)
}
