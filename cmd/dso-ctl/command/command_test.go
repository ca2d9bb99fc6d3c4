// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	paths  []string
	bodies []string
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		fs.paths = append(fs.paths, r.Method+" "+r.URL.EscapedPath())
		fs.bodies = append(fs.bodies, string(b))
		if r.URL.Path == apiPrefix+"/locks/missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`"lock missing not found"`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	return fs
}

func run(fs *fakeServer, args ...string) string {
	var out bytes.Buffer
	Start(append(args, "-u", fs.URL), &out)
	return out.String()
}

func TestStatus(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	out := run(fs, "status")
	assert.Contains(t, out, `{"ok":true}`)
	assert.Equal(t, []string{"GET " + apiPrefix + "/status"}, fs.paths)

	run(fs, "handshake")
	assert.Equal(t, "GET "+apiPrefix+"/handshake", fs.paths[1])
}

func TestLock(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	run(fs, "lock")
	run(fs, "lock", "a/b")
	assert.Equal(t, []string{
		"GET " + apiPrefix + "/locks",
		"GET " + apiPrefix + "/locks/a%2Fb",
	}, fs.paths)

	out := run(fs, "lock", "missing")
	assert.Contains(t, out, "[404]")
}

func TestGC(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	run(fs, "gc")
	run(fs, "gc", "run", "--young", "--wait")
	run(fs, "gc", "disable")
	require.Len(t, fs.paths, 3)
	assert.Equal(t, "GET "+apiPrefix+"/gc", fs.paths[0])
	assert.Equal(t, "POST "+apiPrefix+"/gc", fs.paths[1])
	assert.Equal(t, "POST "+apiPrefix+"/gc/disable", fs.paths[2])

	var req gcRequest
	require.NoError(t, json.Unmarshal([]byte(fs.bodies[1]), &req))
	assert.False(t, req.Full)
	assert.True(t, req.Wait)
}

func TestYAMLOutput(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	out := run(fs, "status", "-o", "yaml")
	assert.Equal(t, "ok: true\n", out)
}

func TestEndpoint(t *testing.T) {
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"-u", "127.0.0.1:9770/"}))
	assert.Equal(t, "http://127.0.0.1:9770", getEndpoint(cmd))
}
