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

// Command simplecached is the cache daemon: it preloads the
// files named by its manifest, creates the request queue,
// and answers each proxy request over the shared-memory
// segment the request names.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SnellerInc/shmcache/cached"
	"github.com/SnellerInc/shmcache/filecache"
	"github.com/SnellerInc/shmcache/mqueue"
	"github.com/SnellerInc/shmcache/shmproto"
)

const usage = `usage:
  simplecached [options]
options:
  -t [thread_count]   num worker threads (default: 1, range: 1-1000)
  -c [manifest]       path to the manifest of cached files (default: ./locals.txt)
  -h                  show this help message
`

func main() {
	cmd := flag.NewFlagSet("simplecached", flag.ExitOnError)
	cmd.Usage = func() {
		fmt.Fprint(os.Stdout, usage)
	}
	nthreads := cmd.Int("t", 1, "worker threads")
	manifest := cmd.String("c", "./locals.txt", "manifest path")
	if cmd.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)
	// kernel-object removal messages belong on stdout
	stdout := log.New(os.Stdout, "", 0)

	if *nthreads < 1 || *nthreads > cached.MaxThreads {
		logger.Fatalf("thread count %d out of range 1-%d", *nthreads, cached.MaxThreads)
	}

	ix, err := filecache.Load(*manifest)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Printf("loaded %d files from %s", ix.Len(), *manifest)

	q, err := mqueue.Create(shmproto.QueueName, mqueue.Attr{
		MaxMsg:  shmproto.QueueDepth,
		MsgSize: shmproto.MaxMessage,
	}, stdout.Printf)
	if err != nil {
		logger.Fatal(err)
	}

	srv := &cached.Server{
		Cache:  ix,
		Logger: logger,
	}
	go func() {
		if err := srv.Run(q, *nthreads); err != nil {
			logger.Printf("dispatcher stopped: %s", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	q.Close()
	if mqueue.Unlink(shmproto.QueueName) == nil {
		stdout.Printf("Message queue %s removed from system.", shmproto.QueueName)
	}
	ix.Close()
}
