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

//go:build linux
// +build linux

package proxy

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SnellerInc/shmcache/cached"
	"github.com/SnellerInc/shmcache/filecache"
	"github.com/SnellerInc/shmcache/gfserver"
	"github.com/SnellerInc/shmcache/mqueue"
	"github.com/SnellerInc/shmcache/shm"
)

type recordingLogger struct {
	mu    sync.Mutex
	t     *testing.T
	lines []string
}

func (r *recordingLogger) Printf(f string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(f, args...))
	if r.t != nil {
		r.t.Logf(f, args...)
	}
}

func (r *recordingLogger) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func requireIPC(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skipf("no /dev/shm: %s", err)
	}
}

func randbuf(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(buf)
	return buf
}

// env is a complete two-sided deployment inside one test
// process: a Getfile server backed by the cache handler on
// one side, a daemon dispatcher and workers on the other.
type env struct {
	addr  string
	pool  *shm.Pool
	log   *recordingLogger
	qname string
}

// startDaemon loads the manifest, creates the request
// queue, and starts the daemon loop.
func startDaemon(t *testing.T, qname string, files map[string][]byte, threads int) {
	t.Helper()
	dir := t.TempDir()
	var sb strings.Builder
	for key, content := range files {
		fpath := filepath.Join(dir, strings.ReplaceAll(strings.TrimPrefix(key, "/"), "/", "_"))
		if err := os.WriteFile(fpath, content, 0644); err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(&sb, "%s %s\n", key, fpath)
	}
	mpath := filepath.Join(dir, "locals.txt")
	if err := os.WriteFile(mpath, []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
	ix, err := filecache.Load(mpath)
	if err != nil {
		t.Fatal(err)
	}
	q, err := mqueue.Create(qname, mqueue.Attr{MaxMsg: 10, MsgSize: 512}, nil)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			t.Skipf("no mqueue support: %s", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Close()
		mqueue.Unlink(qname)
		ix.Close()
	})
	csrv := &cached.Server{Cache: ix, Logger: &recordingLogger{t: t}}
	go csrv.Run(q, threads)
}

// startProxy builds the pool and the Getfile front end.
func startProxy(t *testing.T, prefix, qname string, nseg int, segsize int64) *env {
	t.Helper()
	rec := &recordingLogger{t: t}
	pool, err := shm.NewPoolPrefix(prefix, nseg, segsize, rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Unlink)
	h := &Handler{Pool: pool, QueueName: qname, Logger: rec}
	gsrv := &gfserver.Server{Handler: h.Handle, MaxPending: 64}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- gsrv.Serve(l, 8) }()
	t.Cleanup(func() {
		gsrv.Stop()
		<-done
	})
	return &env{addr: l.Addr().String(), pool: pool, log: rec, qname: qname}
}

func start(t *testing.T, tag string, nseg int, segsize int64, files map[string][]byte) *env {
	t.Helper()
	requireIPC(t)
	qname := fmt.Sprintf("/%s%d", tag, os.Getpid())
	startDaemon(t, qname, files, 4)
	return startProxy(t, tag, qname, nseg, segsize)
}

// get performs one Getfile request and returns (status,
// length, body); length is -1 when the header carries none.
func get(t *testing.T, addr, path string) (string, int, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.WriteString(conn, "GETFILE GET "+path+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	i := strings.Index(string(resp), "\r\n\r\n")
	if i < 0 {
		t.Fatalf("no header terminator in %q", resp)
	}
	hdr, body := string(resp[:i]), resp[i+4:]
	fields := strings.Split(hdr, " ")
	if len(fields) < 2 || fields[0] != "GETFILE" {
		t.Fatalf("bad header %q", hdr)
	}
	length := -1
	if len(fields) == 3 {
		length, err = strconv.Atoi(fields[2])
		if err != nil {
			t.Fatalf("bad length in %q", hdr)
		}
	}
	return fields[1], length, body
}

// waitFree polls until the pool drains back to n.
func waitFree(t *testing.T, pool *shm.Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for pool.Free() != n {
		if time.Now().After(deadline) {
			t.Fatalf("pool stuck at %d free, wanted %d", pool.Free(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHitOneChunk(t *testing.T) {
	content := randbuf(300)
	e := start(t, "e2ea", 1, 1024, map[string][]byte{"/a": content})
	status, length, body := get(t, e.addr, "/a")
	if status != "OK" || length != 300 {
		t.Fatalf("got %s %d", status, length)
	}
	if string(body) != string(content) {
		t.Error("body corrupted in transfer")
	}
	waitFree(t, e.pool, 1)
}

func TestHitManyChunks(t *testing.T) {
	content := randbuf(5000)
	e := start(t, "e2eb", 1, 1024, map[string][]byte{"/big": content})
	status, length, body := get(t, e.addr, "/big")
	if status != "OK" || length != 5000 || len(body) != 5000 {
		t.Fatalf("got %s %d (%d body bytes)", status, length, len(body))
	}
	if string(body) != string(content) {
		t.Error("body corrupted in transfer")
	}
	waitFree(t, e.pool, 1)
}

func TestMiss(t *testing.T) {
	e := start(t, "e2ec", 1, 1024, map[string][]byte{"/a": []byte("here")})
	status, length, body := get(t, e.addr, "/nope")
	if status != "FILE_NOT_FOUND" || length != -1 || len(body) != 0 {
		t.Fatalf("got %s %d (%d body bytes)", status, length, len(body))
	}
	waitFree(t, e.pool, 1)
	// the daemon worker must be ready for the next request
	status, length, _ = get(t, e.addr, "/a")
	if status != "OK" || length != 4 {
		t.Fatalf("after miss: got %s %d", status, length)
	}
	waitFree(t, e.pool, 1)
}

func TestZeroLength(t *testing.T) {
	e := start(t, "e2ed", 1, 1024, map[string][]byte{"/empty": {}})
	status, length, body := get(t, e.addr, "/empty")
	if status != "OK" || length != 0 || len(body) != 0 {
		t.Fatalf("got %s %d (%d body bytes)", status, length, len(body))
	}
	waitFree(t, e.pool, 1)
}

func TestContention(t *testing.T) {
	content := randbuf(5000)
	e := start(t, "e2ee", 2, 1024, map[string][]byte{"/big": content})
	const clients = 10
	var wg sync.WaitGroup
	var total int64
	var mu sync.Mutex
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, length, body := get(t, e.addr, "/big")
			if status != "OK" || length != 5000 || string(body) != string(content) {
				errs <- fmt.Errorf("got %s %d (%d body bytes)", status, length, len(body))
				return
			}
			mu.Lock()
			total += int64(len(body))
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if total != clients*5000 {
		t.Errorf("aggregate body bytes = %d", total)
	}
	waitFree(t, e.pool, 2)
}

// a malformed message on the request queue names no
// segment, so the daemon must drop it and keep serving.
func TestMalformedRequestIgnored(t *testing.T) {
	e := start(t, "e2eg", 1, 1024, map[string][]byte{"/a": []byte("still here")})
	q, err := mqueue.OpenSend(e.qname)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if err := q.Send([]byte("garbage")); err != nil {
		t.Fatal(err)
	}
	status, length, _ := get(t, e.addr, "/a")
	if status != "OK" || length != 10 {
		t.Fatalf("after garbage message: got %s %d", status, length)
	}
	waitFree(t, e.pool, 1)
}

// the proxy may come up before the daemon; its first
// request must wait for the queue to appear and then
// complete normally.
func TestDeferredDaemon(t *testing.T) {
	requireIPC(t)
	content := randbuf(700)
	qname := fmt.Sprintf("/e2ef%d", os.Getpid())
	e := startProxy(t, "e2ef", qname, 1, 1024)

	type result struct {
		status string
		length int
	}
	got := make(chan result, 1)
	go func() {
		status, length, _ := get(t, e.addr, "/late")
		got <- result{status, length}
	}()

	time.Sleep(1 * time.Second)
	startDaemon(t, qname, map[string][]byte{"/late": content}, 1)

	select {
	case r := <-got:
		if r.status != "OK" || r.length != 700 {
			t.Fatalf("got %s %d", r.status, r.length)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("deferred request never completed")
	}
	if !e.log.contains("waiting for simplecached") {
		t.Error("no startup-retry log line")
	}
	waitFree(t, e.pool, 1)
}
