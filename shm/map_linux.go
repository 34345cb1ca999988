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
	"os"
	"syscall"
)

// Map maps size bytes of f shared and read-write.
// Both sides of a transaction map the same segment,
// so MAP_SHARED is not optional here.
func Map(f *os.File, size int64) ([]byte, error) {
	prot := syscall.PROT_READ | syscall.PROT_WRITE
	return syscall.Mmap(int(f.Fd()), 0, int(size), prot, syscall.MAP_SHARED)
}

// Unmap releases a mapping returned by Map.
func Unmap(buf []byte) error {
	return syscall.Munmap(buf)
}
