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

package shmproto

import "unsafe"

// The wire formats here are native byte order: both ends of
// every exchange run on the same machine, so the bytes are
// never reinterpreted across architectures. Raw loads and
// stores keep that property without naming an endianness.

func putU32(b []byte, v uint32) {
	*(*uint32)(unsafe.Pointer(&b[0])) = v
}

func getU32(b []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&b[0]))
}

func putU64(b []byte, v uint64) {
	*(*uint64)(unsafe.Pointer(&b[0])) = v
}

func getU64(b []byte) uint64 {
	return *(*uint64)(unsafe.Pointer(&b[0]))
}
