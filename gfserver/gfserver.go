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

// Package gfserver implements the client-facing side of the
// Getfile protocol: a TCP server that parses one request per
// connection and hands `(context, path)` pairs to a worker
// callback, which answers with a status header and a body.
//
// The wire format is text-framed:
//
//	request:  GETFILE GET <path>\r\n\r\n
//	response: GETFILE <status>[ <length>]\r\n\r\n[<body>]
//
// Only an OK header carries a length, and it is followed by
// exactly that many body bytes.
package gfserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Status is a Getfile response status.
type Status int

const (
	StatusOK       Status = 200
	StatusNotFound Status = 400
	StatusError    Status = 500

	// statusInvalid answers requests that never parsed
	// well enough to reach a worker.
	statusInvalid Status = 600
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "FILE_NOT_FOUND"
	case StatusError:
		return "ERROR"
	case statusInvalid:
		return "INVALID"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// maxRequest bounds the request line; anything longer is
// malformed by definition.
const maxRequest = 128

// DefaultMaxPending bounds the accepted-but-unclaimed
// connection queue.
const DefaultMaxPending = 10

type Logger interface {
	Printf(f string, args ...interface{})
}

// A Handler serves one parsed request. ctx is valid only for
// the duration of the call; path is the requested resource;
// arg is the value registered for the worker goroutine that
// took the request. Returning an error after the header has
// been sent only logs; returning one before causes an ERROR
// header.
type Handler func(ctx *Context, path string, arg interface{}) error

// Server accepts Getfile connections and dispatches them to
// a fixed pool of worker goroutines.
type Server struct {
	// Handler serves every parsed request.
	Handler Handler

	// WorkerArgs, if non-nil, holds one opaque value per
	// worker, passed to Handler from that worker.
	WorkerArgs []interface{}

	// MaxPending bounds the dispatch queue; connections
	// arriving while it is full are dropped. Zero means
	// DefaultMaxPending.
	MaxPending int

	// Logger, if non-nil, receives per-request log lines.
	Logger Logger

	mu      sync.Mutex
	cond    sync.Cond
	pending []net.Conn
	stopped bool
	lis     net.Listener
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
		if s.MaxPending <= 0 {
			s.MaxPending = DefaultMaxPending
		}
	})
}

// Serve accepts connections on l and serves them on
// nthreads worker goroutines until Stop is called. It
// returns after the workers have drained.
func (s *Server) Serve(l net.Listener, nthreads int) error {
	if s.Handler == nil {
		return fmt.Errorf("gfserver: no handler registered")
	}
	if nthreads < 1 {
		return fmt.Errorf("gfserver: thread count %d out of range", nthreads)
	}
	s.init()
	s.mu.Lock()
	s.lis = l
	s.stopped = false
	s.mu.Unlock()
	s.wg.Add(nthreads)
	for i := 0; i < nthreads; i++ {
		var arg interface{}
		if i < len(s.WorkerArgs) {
			arg = s.WorkerArgs[i]
		}
		go s.worker(arg)
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.stopped = true
			s.cond.Broadcast()
			s.mu.Unlock()
			s.wg.Wait()
			if stopped {
				// Stop closed the listener
				return nil
			}
			return err
		}
		s.mu.Lock()
		if len(s.pending) >= s.MaxPending {
			s.mu.Unlock()
			s.logf("dropping connection from %s: %d requests pending", conn.RemoteAddr(), s.MaxPending)
			conn.Close()
			continue
		}
		s.pending = append(s.pending, conn)
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// Stop closes the listener and lets in-flight requests
// finish; Serve returns once the workers are idle.
func (s *Server) Stop() {
	s.init()
	s.mu.Lock()
	s.stopped = true
	lis := s.lis
	s.cond.Broadcast()
	s.mu.Unlock()
	if lis != nil {
		lis.Close()
	}
}

// next pops one pending connection, blocking until either a
// connection arrives or the server stops with nothing left
// to drain.
func (s *Server) next() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		if s.stopped {
			return nil
		}
		s.cond.Wait()
	}
	conn := s.pending[0]
	s.pending = s.pending[1:]
	return conn
}

func (s *Server) worker(arg interface{}) {
	defer s.wg.Done()
	for {
		conn := s.next()
		if conn == nil {
			return
		}
		s.serveConn(conn, arg)
	}
}

func (s *Server) serveConn(conn net.Conn, arg interface{}) {
	defer conn.Close()
	ctx := &Context{
		ID:   uuid.New(),
		conn: conn,
	}
	path, err := readRequest(conn)
	if err != nil {
		s.logf("[%s] %s: %s", ctx.ID, conn.RemoteAddr(), err)
		ctx.SendHeader(statusInvalid, 0)
		return
	}
	s.logf("[%s] GETFILE GET %s", ctx.ID, path)
	if err := s.Handler(ctx, path, arg); err != nil {
		s.logf("[%s] %s: %s", ctx.ID, path, err)
		if !ctx.headerSent {
			ctx.SendHeader(StatusError, 0)
		}
		return
	}
	s.logf("[%s] %s: sent %d bytes", ctx.ID, path, ctx.bytesSent)
}
