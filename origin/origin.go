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

// Package origin implements the non-cache worker callback
// of the web proxy: requests are forwarded to an upstream
// HTTP origin and the response body relayed to the Getfile
// client. The Getfile header needs the total length up
// front, so the body is buffered before the header goes out.
package origin

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"

	"github.com/SnellerInc/shmcache/gfserver"
)

type Logger interface {
	Printf(f string, args ...interface{})
}

// Fetcher forwards Getfile requests to an HTTP origin.
type Fetcher struct {
	// Base is the origin to contact: a host, optionally
	// followed by a path prefix, optionally preceded by a
	// scheme. A bare host is contacted over http.
	Base string

	// Logger, if non-nil, receives fetch diagnostics.
	Logger Logger

	client *retryablehttp.Client
}

func (f *Fetcher) logf(format string, args ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
	}
}

// New returns a Fetcher for the given origin. Transient
// fetch failures are retried with back-off; response
// compression is negotiated explicitly so that gzip bodies
// can be decoded before the length is declared to the
// client.
func New(base string, logger Logger) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	if t, ok := c.HTTPClient.Transport.(*http.Transport); ok {
		// we decode gzip ourselves; a transparently
		// decompressed body would be fine too, but being
		// explicit keeps Content-Length meaningful when
		// the origin answers uncompressed
		t.DisableCompression = true
	}
	return &Fetcher{
		Base:   base,
		Logger: logger,
		client: c,
	}
}

func (f *Fetcher) url(path string) string {
	base := f.Base
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimSuffix(base, "/") + path
}

// Handle implements gfserver.Handler: GET the path from the
// origin, then relay the outcome as a Getfile response. Any
// non-200 origin status maps to FILE_NOT_FOUND.
func (f *Fetcher) Handle(ctx *gfserver.Context, path string, arg interface{}) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, f.url(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ctx.SendHeader(gfserver.StatusNotFound, 0)
	}
	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("origin sent bad gzip: %w", err)
		}
		defer gz.Close()
		body = gz
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := ctx.SendHeader(gfserver.StatusOK, int64(len(buf))); err != nil {
		return err
	}
	n, err := ctx.Send(buf)
	if err != nil || n != len(buf) {
		// header already out; nothing to do but log
		f.logf("%s: short write (%d of %d bytes): %v", path, n, len(buf), err)
	}
	return nil
}
