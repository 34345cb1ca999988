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

// Package mqueue wraps the linux POSIX message queue
// syscalls (mq_overview(7)). The request channel between
// the proxy and the cache daemon is a single named queue;
// the daemon creates and eventually unlinks it, and proxy
// workers open it send-only.
//
// libc's mq_* functions are thin wrappers over dedicated
// syscalls, so we invoke the syscalls directly rather than
// pulling in cgo.
package mqueue

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Attr mirrors the settable fields of struct mq_attr (the
// read-only mq_curmsgs is left out); the kernel structure
// carries four reserved longs after its four fields.
type Attr struct {
	Flags   int64 // 0 or O_NONBLOCK
	MaxMsg  int64 // maximum queue depth
	MsgSize int64 // maximum message size in bytes
}

type kernelAttr struct {
	flags   int64
	maxMsg  int64
	msgSize int64
	curMsgs int64
	_       [4]int64
}

// Queue is an open message queue descriptor.
type Queue struct {
	fd   int
	name string
}

// the kernel wants the name without the leading slash
// that POSIX requires callers to write
func kernelName(name string) (string, error) {
	if !strings.HasPrefix(name, "/") || strings.Contains(name[1:], "/") {
		return "", fmt.Errorf("mqueue: bad queue name %q", name)
	}
	return name[1:], nil
}

func mqOpen(name string, oflag int, mode uint32, attr *kernelAttr) (int, error) {
	kn, err := kernelName(name)
	if err != nil {
		return -1, err
	}
	np, err := unix.BytePtrFromString(kn)
	if err != nil {
		return -1, err
	}
	fd, _, errno := unix.Syscall6(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(np)), uintptr(oflag), uintptr(mode),
		uintptr(unsafe.Pointer(attr)), 0, 0)
	if errno != 0 {
		return -1, os.NewSyscallError("mq_open", errno)
	}
	return int(fd), nil
}

// Create makes the queue name with the given attributes and
// opens it for receiving. Any previous queue under the same
// name is unlinked first so that restarting the daemon is
// idempotent; the removal is reported through logf when it
// happens.
func Create(name string, attr Attr, logf func(string, ...interface{})) (*Queue, error) {
	if err := Unlink(name); err == nil && logf != nil {
		logf("Message queue %s removed from system.", name)
	}
	kattr := kernelAttr{
		flags:   attr.Flags,
		maxMsg:  attr.MaxMsg,
		msgSize: attr.MsgSize,
	}
	fd, err := mqOpen(name, unix.O_CREAT|unix.O_RDONLY, 0777, &kattr)
	if err != nil {
		return nil, err
	}
	return &Queue{fd: fd, name: name}, nil
}

// OpenSend opens an existing queue write-only. It fails with
// unix.ENOENT when the queue has not been created yet; the
// caller decides whether that is fatal or worth retrying.
func OpenSend(name string) (*Queue, error) {
	fd, err := mqOpen(name, unix.O_WRONLY, 0, nil)
	if err != nil {
		return nil, err
	}
	return &Queue{fd: fd, name: name}, nil
}

// Send enqueues msg at priority zero, blocking while the
// queue is full.
func (q *Queue) Send(msg []byte) error {
	var p unsafe.Pointer
	if len(msg) > 0 {
		p = unsafe.Pointer(&msg[0])
	}
	for {
		_, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDSEND,
			uintptr(q.fd), uintptr(p), uintptr(len(msg)), 0, 0, 0)
		if errno == 0 {
			return nil
		}
		if errno != unix.EINTR {
			return os.NewSyscallError("mq_send", errno)
		}
	}
}

// Receive dequeues the oldest message into buf, blocking
// while the queue is empty. buf must be at least MsgSize
// bytes or the kernel rejects the call with EMSGSIZE.
func (q *Queue) Receive(buf []byte) (int, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
			uintptr(q.fd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0, 0, 0)
		if errno == 0 {
			return int(n), nil
		}
		if errno != unix.EINTR {
			return 0, os.NewSyscallError("mq_receive", errno)
		}
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Close closes the descriptor. The queue itself persists
// until someone unlinks it.
func (q *Queue) Close() error {
	return unix.Close(q.fd)
}

// Unlink removes the queue name from the system. It returns
// an ENOENT-wrapping error if no such queue exists.
func Unlink(name string) error {
	kn, err := kernelName(name)
	if err != nil {
		return err
	}
	np, err := unix.BytePtrFromString(kn)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_MQ_UNLINK,
		uintptr(unsafe.Pointer(np)), 0, 0)
	if errno != 0 {
		return os.NewSyscallError("mq_unlink", errno)
	}
	return nil
}
