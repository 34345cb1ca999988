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

package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sem is a named, process-shared counting semaphore.
//
// sem_open(3) has no raw syscall equivalent, so we lay the
// semaphore out the same way glibc does: a small file under
// /dev/shm/sem.<name> mapped MAP_SHARED into every process
// that opens it, with the count in the first 32-bit word and
// FUTEX_WAIT/FUTEX_WAKE providing the rendezvous. The two
// processes here are both ours, so binary compatibility with
// libc sem_t is not required; only the initial value and the
// process-shared behavior matter.
type Sem struct {
	f   *os.File
	mem []byte
}

// semSize matches sizeof(sem_t) on 64-bit glibc; only the
// first word is used.
const semSize = 32

// Linux futex(2) operation codes. Not exposed by
// golang.org/x/sys/unix; values are fixed by the kernel ABI
// (linux/futex.h).
const (
	futexWait = 0
	futexWake = 1
)

func semPath(name string) string {
	return shmPath("sem." + name)
}

// OpenSem opens the semaphore name, creating it with the
// given initial value if it does not already exist. An
// existing semaphore keeps its current value, matching
// sem_open(O_CREAT) semantics.
func OpenSem(name string, initial uint32) (*Sem, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	path := semPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	created := err == nil
	if err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
	}
	if err := f.Truncate(semSize); err != nil {
		f.Close()
		return nil, err
	}
	mem, err := Map(f, semSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &Sem{f: f, mem: mem}
	if created && initial != 0 {
		atomic.StoreUint32(s.word(), initial)
	}
	return s, nil
}

func (s *Sem) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[0]))
}

func (s *Sem) futex(op, val uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(s.word())), op, val, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wait decrements the semaphore, blocking while its value
// is zero. There is no timeout; a peer that dies mid-protocol
// leaves the waiter blocked until the process is signalled.
func (s *Sem) Wait() error {
	w := s.word()
	for {
		v := atomic.LoadUint32(w)
		if v > 0 {
			if atomic.CompareAndSwapUint32(w, v, v-1) {
				return nil
			}
			continue
		}
		// FUTEX_WAIT (not _PRIVATE): the waker lives
		// in another process
		err := s.futex(futexWait, 0)
		if err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return fmt.Errorf("sem wait: %w", err)
		}
	}
}

// Post increments the semaphore and wakes one waiter.
func (s *Sem) Post() error {
	atomic.AddUint32(s.word(), 1)
	if err := s.futex(futexWake, 1); err != nil {
		return fmt.Errorf("sem post: %w", err)
	}
	return nil
}

// Value returns the current count. It is only meaningful
// at quiescence (for teardown checks); reading it while the
// semaphore is in use is inherently racy.
func (s *Sem) Value() uint32 {
	return atomic.LoadUint32(s.word())
}

// Close releases the mapping and the file handle.
// It does not remove the name; see UnlinkSem.
func (s *Sem) Close() error {
	err := Unmap(s.mem)
	s.mem = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// UnlinkSem removes the semaphore name from the system.
// It returns os.ErrNotExist if no such semaphore exists.
func UnlinkSem(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return os.Remove(semPath(name))
}
