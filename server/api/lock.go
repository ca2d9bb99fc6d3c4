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

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinydso/pkg/apiutil"
	"github.com/pingcap-incubator/tinydso/server"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/lock"
	"github.com/unrolled/render"
)

type lockHandler struct {
	svr *server.Server
	rd  *render.Render
}

// LocksInfo lists the locks that are held, pending or waited on.
type LocksInfo struct {
	Count int              `json:"count"`
	Locks []*lock.LockInfo `json:"locks"`
}

func newLockHandler(svr *server.Server, rd *render.Render) *lockHandler {
	return &lockHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *lockHandler) List(w http.ResponseWriter, r *http.Request) {
	locks := h.svr.GetLockManager().Locks()
	h.rd.JSON(w, http.StatusOK, &LocksInfo{
		Count: len(locks),
		Locks: locks,
	})
}

func (h *lockHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := h.svr.GetLockManager().Snapshot(core.LockID(id))
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, info)
}
