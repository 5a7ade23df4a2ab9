// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil wraps net/http with send options, status-code
// validation and retry semantics shared by the tracker announce client.
package httputil

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
)

// StatusError occurs when an HTTP request returns a status code which was
// not explicitly marked as successful via SendAcceptedCodes.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	ResponseDump string
}

func (e StatusError) Error() string {
	return fmt.Sprintf(
		"%s %s %d: %s", e.Method, e.URL, e.Status, e.ResponseDump)
}

// NetworkError occurs on any Send error which occurred while trying to
// send the HTTP request, as opposed to receiving a non-2XX response.
type NetworkError struct {
	msg string
}

func (e NetworkError) Error() string {
	return e.msg
}

// IsNetworkError returns true if err is a NetworkError.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

// IsStatus returns true if err is a StatusError with the given status code.
func IsStatus(err error, status int) bool {
	statusErr, ok := err.(StatusError)
	return ok && statusErr.Status == status
}

// IsNotFound returns true if err is a StatusError with status 404.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

type sendOptions struct {
	timeout       time.Duration
	acceptedCodes map[int]bool
	body          io.Reader
	headers       map[string]string
	transport     http.RoundTripper
	tls           *tls.Config
	retry         *retryOptions
}

// SendOption allows overriding defaults for Send/Get/Post/etc.
type SendOption func(*sendOptions)

// SendTimeout sets the timeout for each attempt of the request; with
// SendRetry, every retry gets the full timeout again.
func SendTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = timeout }
}

// SendAcceptedCodes specifies which status codes are considered successful.
// Defaults to 200.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOptions) {
		o.acceptedCodes = make(map[int]bool)
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// SendBody sets the request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendHeaders sets additional request headers.
func SendHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// SendTransport overrides the http.RoundTripper used to send the request.
// Primarily used for testing.
func SendTransport(t http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = t }
}

// SendTLS configures the client's TLS transport.
func SendTLS(config *tls.Config) SendOption {
	return func(o *sendOptions) { o.tls = config }
}

// SendRetry enables retries upon network errors and upon the status codes
// set by RetryCodes (502, 503 and 504 by default).
func SendRetry(opts ...RetryOption) SendOption {
	return func(o *sendOptions) {
		r := &retryOptions{
			backoff: backoff.NewConstantBackOff(250 * time.Millisecond),
			codes:   map[int]bool{502: true, 503: true, 504: true},
		}
		for _, opt := range opts {
			opt(r)
		}
		o.retry = r
	}
}

type retryOptions struct {
	backoff backoff.BackOff
	codes   map[int]bool
}

// RetryOption configures SendRetry.
type RetryOption func(*retryOptions)

// RetryBackoff overrides the backoff.BackOff policy used between retries.
func RetryBackoff(b backoff.BackOff) RetryOption {
	return func(o *retryOptions) { o.backoff = b }
}

// RetryCodes overrides which status codes trigger a retry. Defaults to
// 502, 503, 504.
func RetryCodes(codes ...int) RetryOption {
	return func(o *retryOptions) {
		o.codes = make(map[int]bool)
		for _, c := range codes {
			o.codes[c] = true
		}
	}
}

func newOptions(opts []SendOption) *sendOptions {
	o := &sendOptions{
		timeout:       60 * time.Second,
		acceptedCodes: map[int]bool{http.StatusOK: true},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *sendOptions) client() *http.Client {
	c := &http.Client{Timeout: o.timeout}
	if o.transport != nil {
		c.Transport = o.transport
	} else if o.tls != nil {
		c.Transport = &http.Transport{TLSClientConfig: o.tls}
	}
	return c
}

// Send sends an HTTP request of the given method to rawURL.
func Send(method, rawURL string, opts ...SendOption) (*http.Response, error) {
	o := newOptions(opts)

	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}

	var resp *http.Response
	send := func() error {
		req, err := http.NewRequest(method, rawURL, o.body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("new request: %s", err))
		}
		for k, v := range o.headers {
			req.Header.Set(k, v)
		}
		r, err := o.client().Do(req)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && !nerr.Timeout() {
				return NetworkError{err.Error()}
			}
			return NetworkError{err.Error()}
		}
		if !o.acceptedCodes[r.StatusCode] {
			b, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			statusErr := StatusError{method, rawURL, r.StatusCode, string(b)}
			if o.retry != nil && o.retry.codes[r.StatusCode] {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		resp = r
		return nil
	}

	var err error
	if o.retry != nil {
		err = backoff.Retry(send, o.retry.backoff)
	} else {
		err = send()
		if perr, ok := err.(interface{ Unwrap() error }); ok {
			_ = perr
		}
	}
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return resp, nil
}

// Get sends a GET request.
func Get(rawURL string, opts ...SendOption) (*http.Response, error) {
	return Send("GET", rawURL, opts...)
}

// Post sends a POST request.
func Post(rawURL string, opts ...SendOption) (*http.Response, error) {
	return Send("POST", rawURL, opts...)
}

// Put sends a PUT request.
func Put(rawURL string, opts ...SendOption) (*http.Response, error) {
	return Send("PUT", rawURL, opts...)
}

// Delete sends a DELETE request.
func Delete(rawURL string, opts ...SendOption) (*http.Response, error) {
	return Send("DELETE", rawURL, opts...)
}
