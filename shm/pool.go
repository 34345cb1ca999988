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

package shm

import (
	"fmt"
	"os"
	"sync"
)

// Logger matches the printf-shaped subset of *log.Logger
// that this package needs.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Segment is one entry of the proxy-side pool: a fixed-size
// shared-memory object plus the names of the two rendezvous
// semaphores that guard it. The file handle stays open for
// the life of the proxy; the semaphores are created and
// unlinked per transaction so that every lease starts with
// a fresh count of zero.
type Segment struct {
	MemName  string
	SemAName string
	SemBName string
	File     *os.File

	size int64
}

// Size returns the segment size in bytes.
func (s *Segment) Size() int64 { return s.size }

// SegmentNames returns the deterministic object names for
// pool slot i. The prefix is empty for the conventional
// names (mem_0, sem_0_a, ...); a non-empty prefix keeps
// multiple proxy instances on one machine out of each
// other's namespace.
func SegmentNames(prefix string, i int) (mem, semA, semB string) {
	return fmt.Sprintf("%smem_%d", prefix, i),
		fmt.Sprintf("%ssem_%d_a", prefix, i),
		fmt.Sprintf("%ssem_%d_b", prefix, i)
}

// Pool is a bounded FIFO of segments.
//
// At any instant every segment is either in the free list or
// leased to exactly one proxy worker; Lease and Release are
// the only transitions. Release on every exit path is the
// single most important correctness property of the callers.
type Pool struct {
	// Logger, if non-nil, receives the removal messages
	// for stale and unlinked kernel objects.
	Logger Logger

	mu     sync.Mutex
	cond   sync.Cond
	free   []*Segment
	size   int    // N; fixed after NewPool
	prefix string // name prefix; fixed after NewPool
}

func (p *Pool) logf(f string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(f, args...)
	}
}

// NewPool creates a pool of n segments of segsize bytes
// each, under the conventional object names. Any kernel
// object left over from a previous run under the same names
// is unlinked first, so restarting the proxy is idempotent.
// Removal of stale objects is logged.
func NewPool(n int, segsize int64, logger Logger) (*Pool, error) {
	return NewPoolPrefix("", n, segsize, logger)
}

// NewPoolPrefix is NewPool with prefix prepended to every
// generated object name, which keeps concurrent proxy
// instances on one machine out of each other's namespace.
func NewPoolPrefix(prefix string, n int, segsize int64, logger Logger) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("shm: pool size %d out of range", n)
	}
	if segsize < minSegment {
		return nil, fmt.Errorf("shm: segment size %d below minimum %d", segsize, minSegment)
	}
	if segsize > maxSegment {
		// the request message carries the size as an int32
		return nil, fmt.Errorf("shm: segment size %d above maximum %d", segsize, maxSegment)
	}
	p := &Pool{Logger: logger, size: n, prefix: prefix}
	p.cond.L = &p.mu
	for i := 0; i < n; i++ {
		mem, semA, semB := SegmentNames(prefix, i)
		// semA is the longest of the three generated names
		if err := checkName(semA); err != nil {
			p.Unlink()
			return nil, err
		}
		if Unlink(mem) == nil {
			p.logf("Shared mem %s removed from system.", mem)
		}
		if UnlinkSem(semA) == nil {
			p.logf("Semaphore %s removed from system.", semA)
		}
		if UnlinkSem(semB) == nil {
			p.logf("Semaphore %s removed from system.", semB)
		}
		f, err := CreateShared(mem, segsize)
		if err != nil {
			p.Unlink()
			return nil, err
		}
		p.free = append(p.free, &Segment{
			MemName:  mem,
			SemAName: semA,
			SemBName: semB,
			File:     f,
			size:     segsize,
		})
	}
	return p, nil
}

// minSegment leaves room for the length word the transfer
// protocol stores at offset zero; maxSegment is what the
// request message's 32-bit size field can describe.
const (
	minSegment = 8
	maxSegment = 1<<31 - 1
)

// Lease removes one segment from the pool, blocking while
// the pool is empty. Lease never fails; callers hold the
// segment exclusively until Release.
func (p *Pool) Lease() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	seg := p.free[0]
	p.free = p.free[1:]
	return seg
}

// Release returns a leased segment to the pool and wakes
// one waiter.
func (p *Pool) Release(seg *Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.free {
		if p.free[i] == seg {
			panic("shm: double release of segment " + seg.MemName)
		}
	}
	p.free = append(p.free, seg)
	p.cond.Signal()
}

// Free returns the number of segments currently in the pool.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns N, the total number of segments.
func (p *Pool) Size() int { return p.size }

// Unlink removes every name the pool created from the
// system, logging each removal, and closes the descriptors
// of the segments still in the free list. It sweeps all N
// slots by their deterministic names rather than walking the
// free list, so names held by an in-flight lease are removed
// too; Unlink is meant to run at shutdown when the process
// is done serving.
func (p *Pool) Unlink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range p.free {
		if seg.File != nil {
			seg.File.Close()
		}
	}
	p.free = nil
	for i := 0; i < p.size; i++ {
		mem, semA, semB := SegmentNames(p.prefix, i)
		if Unlink(mem) == nil {
			p.logf("Shared mem %s removed from system.", mem)
		}
		if UnlinkSem(semA) == nil {
			p.logf("Semaphore %s removed from system.", semA)
		}
		if UnlinkSem(semB) == nil {
			p.logf("Semaphore %s removed from system.", semB)
		}
	}
}
