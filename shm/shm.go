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

// Package shm manages the named kernel objects that make up
// the proxy's data plane: POSIX shared-memory segments, the
// process-shared semaphores that guard them, and the pool
// that leases segments to proxy workers.
//
// The proxy process owns every name in the pool; it creates
// the objects at startup and unlinks them on shutdown. The
// cache daemon only ever opens them by name.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
)

// shmDir is where the kernel exposes POSIX shared memory
// objects; shm_open(3) is just open(2) underneath this
// directory, which lets us avoid a libc dependency.
const shmDir = "/dev/shm"

// maxName is the longest object name that fits in the
// fixed-width request message fields (11 bytes plus NUL).
const maxName = 11

func shmPath(name string) string {
	return filepath.Join(shmDir, name)
}

func checkName(name string) error {
	if name == "" || len(name) > maxName {
		return fmt.Errorf("shm: bad object name %q", name)
	}
	return nil
}

// CreateShared creates (or truncates) the shared-memory
// object name and sizes it to size bytes. The returned file
// stays open for the life of the owning process.
func CreateShared(name string, size int64) (*os.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(shmPath(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0777)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// OpenShared opens an existing shared-memory object
// read-write. It is the daemon-side counterpart of
// CreateShared.
func OpenShared(name string) (*os.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return os.OpenFile(shmPath(name), os.O_RDWR, 0)
}

// Unlink removes the shared-memory object name.
// It returns os.ErrNotExist if no such object exists.
func Unlink(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return os.Remove(shmPath(name))
}
