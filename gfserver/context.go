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

package gfserver

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Context carries the state of one request through a
// Handler: the client connection, whether the header has
// been written, and how many body bytes have gone out.
type Context struct {
	// ID tags every log line for this request.
	ID uuid.UUID

	conn       net.Conn
	headerSent bool
	bytesSent  int64
}

// readRequest consumes and parses one request header.
func readRequest(conn net.Conn) (string, error) {
	buf := make([]byte, maxRequest)
	have := 0
	for {
		if have == len(buf) {
			return "", fmt.Errorf("request exceeds %d bytes", maxRequest)
		}
		n, err := conn.Read(buf[have:])
		have += n
		if i := bytes.Index(buf[:have], []byte("\r\n\r\n")); i >= 0 {
			return parseRequest(string(buf[:i]))
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("short request")
			}
			return "", err
		}
	}
}

func parseRequest(line string) (string, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 || fields[0] != "GETFILE" || fields[1] != "GET" {
		return "", fmt.Errorf("malformed request %q", line)
	}
	path := fields[2]
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("malformed path %q", path)
	}
	return path, nil
}

// SendHeader writes the response header. Only an OK header
// carries the length; for every other status length is
// ignored. SendHeader may be called at most once per
// request.
func (c *Context) SendHeader(status Status, length int64) error {
	if c.headerSent {
		return fmt.Errorf("gfserver: header already sent")
	}
	c.headerSent = true
	var hdr string
	if status == StatusOK {
		hdr = fmt.Sprintf("GETFILE %s %d\r\n\r\n", status, length)
	} else {
		hdr = fmt.Sprintf("GETFILE %s\r\n\r\n", status)
	}
	_, err := io.WriteString(c.conn, hdr)
	return err
}

// Send writes body bytes to the client. Like write(2) on a
// socket, it can write fewer bytes than requested when the
// peer goes away mid-transfer; it returns the count actually
// written along with the error.
func (c *Context) Send(p []byte) (int, error) {
	if !c.headerSent {
		return 0, fmt.Errorf("gfserver: body write before header")
	}
	n, err := c.conn.Write(p)
	c.bytesSent += int64(n)
	return n, err
}

// BytesSent returns the number of body bytes written so far.
func (c *Context) BytesSent() int64 { return c.bytesSent }
