// Copyright 2023 UMH Systems GmbH
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

package internal

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// statusServer answers /ready with 503 once a shutdown started and triggers one on /stop.
func statusServer(gs GracefulShutdownHandler) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if gs.ShuttingDown() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, _ *http.Request) {
		gs.Shutdown()
		w.WriteHeader(http.StatusAccepted)
	})
	return httptest.NewServer(mux)
}

func Test_NewGracefulShutdown(t *testing.T) {
	var srv *httptest.Server
	requestsDone := make(chan struct{})
	exitCode := -1

	gs := newGracefulShutdown(func() error {
		<-requestsDone
		srv.Close()
		return nil
	}, time.Second, func(code int) { exitCode = code })
	srv = statusServer(gs)

	steps := []struct {
		path   string
		status int
	}{
		{"/ready", http.StatusOK},
		{"/stop", http.StatusAccepted},
		{"/ready", http.StatusServiceUnavailable},
	}
	for i, step := range steps {
		res, err := http.Get(fmt.Sprintf("%s%s", srv.URL, step.path))
		if err != nil {
			close(requestsDone)
			t.Fatalf("request %d to %s failed: %s", i, step.path, err)
		}
		_ = res.Body.Close()
		assert.Equal(t, step.status, res.StatusCode, "request %d to %s", i, step.path)
		if step.path == "/stop" {
			// the signal is handled asynchronously
			assert.Eventually(t, gs.ShuttingDown, time.Second, 5*time.Millisecond)
		}
	}
	close(requestsDone)

	gs.Wait()
	assert.Equal(t, 0, exitCode)
}

func Test_GracefulShutdownFailure(t *testing.T) {
	exitCode := -1
	gs := newGracefulShutdown(func() error {
		return errors.New("database did not close")
	}, time.Second, func(code int) { exitCode = code })

	gs.Shutdown()
	gs.Wait()
	assert.Equal(t, 1, exitCode)
	assert.True(t, gs.ShuttingDown())
}

func Test_GracefulShutdownTimeout(t *testing.T) {
	exitCode := -1
	release := make(chan struct{})
	defer close(release)
	gs := newGracefulShutdown(func() error {
		<-release
		return nil
	}, 10*time.Millisecond, func(code int) { exitCode = code })

	gs.Shutdown()
	gs.Wait()
	assert.Equal(t, 1, exitCode)
}
