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

package mqueue

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func testQueue(t *testing.T, tag string) string {
	t.Helper()
	return fmt.Sprintf("/%s%d", tag, os.Getpid())
}

func mkqueue(t *testing.T, name string) *Queue {
	t.Helper()
	q, err := Create(name, Attr{MaxMsg: 10, MsgSize: 512}, nil)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			t.Skipf("no mqueue support: %s", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Close()
		Unlink(name)
	})
	return q
}

func TestQueueRoundtrip(t *testing.T) {
	name := testQueue(t, "tmq")
	recv := mkqueue(t, name)

	send, err := OpenSend(name)
	if err != nil {
		t.Fatal(err)
	}
	defer send.Close()

	msgs := [][]byte{
		[]byte("first"),
		[]byte("second"),
		bytes.Repeat([]byte{0xa5}, 512), // largest allowed
	}
	for _, m := range msgs {
		if err := send.Send(m); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]byte, 512)
	for _, want := range msgs {
		n, err := recv.Receive(buf)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("received %d bytes, wanted %d", n, len(want))
		}
	}
}

func TestOpenSendMissing(t *testing.T) {
	_, err := OpenSend(testQueue(t, "tmq-none"))
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("open of a missing queue: %v", err)
	}
}

func TestUnlink(t *testing.T) {
	name := testQueue(t, "tmu")
	recv := mkqueue(t, name)
	send, err := OpenSend(name)
	if err != nil {
		t.Fatal(err)
	}
	defer send.Close()
	if err := Unlink(name); err != nil {
		t.Fatal(err)
	}
	if err := Unlink(name); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second unlink: %v", err)
	}
	// open descriptors outlive the name
	if err := send.Send([]byte("after unlink")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 512)
	n, err := recv.Receive(buf)
	if err != nil || string(buf[:n]) != "after unlink" {
		t.Errorf("receive after unlink: %q, %v", buf[:n], err)
	}
}

func TestBadNames(t *testing.T) {
	if _, err := OpenSend("noslash"); err == nil {
		t.Error("name without leading slash accepted")
	}
	if _, err := OpenSend("/two/parts"); err == nil {
		t.Error("name with interior slash accepted")
	}
}
