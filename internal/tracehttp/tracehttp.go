// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp logs HTTP traffic for debugging provider calls.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
)

// traceTransport is an http.RoundTripper that logs each request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *logger.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Bodies are included, so tokens and
// message content end up in the log.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.log.Debug("http request", zap.String("method", req.Method),
			zap.String("url", req.URL.String()), zap.ByteString("dump", dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug("http round trip failed", zap.String("url", req.URL.String()), zap.Error(err))
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.Debug("http response", zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.String()), zap.ByteString("dump", dump))
	}
	return resp, err
}

// Wrap returns d traced to log.  A nil d means http.DefaultTransport.
func Wrap(d http.RoundTripper, log *logger.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
