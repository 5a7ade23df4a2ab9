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
package httputil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
)

func TestSendAcceptedCodes(t *testing.T) {
	require := require.New(t)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(499)
	}))
	defer s.Close()

	_, err := Get(s.URL, SendAcceptedCodes(200, 499))
	require.NoError(err)
}

func TestSendDefaultRejectsNon200(t *testing.T) {
	require := require.New(t)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer s.Close()

	_, err := Get(s.URL)
	require.Error(err)
	require.True(IsNotFound(err))
}

func TestSendRetryOn5XX(t *testing.T) {
	require := require.New(t)

	var attempts int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer s.Close()

	_, err := Get(
		s.URL,
		SendRetry(RetryBackoff(backoff.WithMaxRetries(
			backoff.NewConstantBackOff(10*time.Millisecond), 5))))
	require.NoError(err)
	require.EqualValues(3, atomic.LoadInt32(&attempts))
}

func TestSendRetryGivesUpAfterMaxRetries(t *testing.T) {
	require := require.New(t)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer s.Close()

	_, err := Get(
		s.URL,
		SendRetry(RetryBackoff(backoff.WithMaxRetries(
			backoff.NewConstantBackOff(5*time.Millisecond), 2))))
	require.Error(err)
	require.Equal(503, err.(StatusError).Status)
}

func TestNetworkErrorOnUnreachableHost(t *testing.T) {
	require := require.New(t)

	_, err := Get("http://127.0.0.1:1", SendTimeout(100*time.Millisecond))
	require.Error(err)
	require.True(IsNetworkError(err))
}
