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

// Command webproxy terminates Getfile client connections and
// serves each request either out of the cache daemon (over
// the shared-memory data plane) or from an upstream HTTP
// origin.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/SnellerInc/shmcache/gfserver"
	"github.com/SnellerInc/shmcache/origin"
	"github.com/SnellerInc/shmcache/proxy"
	"github.com/SnellerInc/shmcache/shm"
)

const defaultOrigin = "s3.amazonaws.com/content.udacity-data.com"

const usage = `usage:
  webproxy [options]
options:
  -n [num_segments]   number of segments to use in communication with cache (default: 1)
  -z [segment_size]   the size (in bytes) of the segments (default: 1024)
  -p [listen_port]    listen port (default: 8888)
  -t [thread_count]   num worker threads (default: 1, range: 1-1000)
  -s [server]         the server to fetch from in origin mode
  -m [mode]           worker mode: cache or origin (default: cache)
  -h                  show this help message
`

func main() {
	cmd := flag.NewFlagSet("webproxy", flag.ExitOnError)
	cmd.Usage = func() {
		fmt.Fprint(os.Stdout, usage)
	}
	nsegments := cmd.Int("n", 1, "number of segments")
	segsize := cmd.Int64("z", 1024, "segment size in bytes")
	port := cmd.Int("p", 8888, "listen port")
	nthreads := cmd.Int("t", 1, "worker threads")
	server := cmd.String("s", defaultOrigin, "origin server")
	mode := cmd.String("m", "cache", "worker mode")
	if cmd.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)
	// kernel-object removal messages belong on stdout
	stdout := log.New(os.Stdout, "", 0)

	if *nthreads < 1 || *nthreads > 1000 {
		logger.Fatalf("thread count %d out of range 1-1000", *nthreads)
	}

	srv := &gfserver.Server{
		MaxPending: 10,
		Logger:     logger,
	}
	var pool *shm.Pool
	switch *mode {
	case "cache":
		var err error
		pool, err = shm.NewPool(*nsegments, *segsize, stdout)
		if err != nil {
			logger.Fatal(err)
		}
		h := &proxy.Handler{Pool: pool, Logger: logger}
		srv.Handler = h.Handle
	case "origin":
		srv.Handler = origin.New(*server, logger).Handle
	default:
		logger.Fatalf("unknown mode %q", *mode)
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Fatal(err)
	}
	go func() {
		logger.Printf("webproxy listening on %v", l.Addr())
		if err := srv.Serve(l, *nthreads); err != nil {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	srv.Stop()
	if pool != nil {
		pool.Unlink()
	}
}
