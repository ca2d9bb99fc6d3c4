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

package api

import (
	"net/http"

	"github.com/pingcap-incubator/tinydso/server"
	"github.com/unrolled/render"
)

type statusHandler struct {
	svr *server.Server
	rd  *render.Render
}

type status struct {
	*server.Status
	BuildTS string `json:"build-ts"`
}

func newStatusHandler(svr *server.Server, rd *render.Render) *statusHandler {
	return &statusHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, &status{
		Status:  h.svr.Status(),
		BuildTS: server.DSOBuildTS,
	})
}

type handshakeHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newHandshakeHandler(svr *server.Server, rd *render.Render) *handshakeHandler {
	return &handshakeHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *handshakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetHandshakeManager().Status())
}
