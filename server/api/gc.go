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
	"context"
	"net/http"
	"time"

	"github.com/pingcap-incubator/tinydso/pkg/apiutil"
	"github.com/pingcap-incubator/tinydso/server"
	"github.com/pingcap-incubator/tinydso/server/gc"
	"github.com/unrolled/render"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const defaultTriggerTimeout = time.Minute

type gcHandler struct {
	svr     *server.Server
	rd      *render.Render
	limiter *rate.Limiter
	// primed is set by the first trigger. A slow limiter may not have
	// refilled its first token yet, so that trigger is always let through.
	primed *atomic.Bool
}

// GCStatus is the collector state with the kept cycle history.
type GCStatus struct {
	Enabled   bool        `json:"enabled"`
	Running   bool        `json:"running"`
	State     string      `json:"state"`
	Iteration uint64      `json:"iteration"`
	Young     int         `json:"young"`
	Summary   *gc.Summary `json:"summary"`
	History   []*gc.Info  `json:"history"`
}

// GCRequest asks for a collection cycle. With Wait the response carries the
// info of the cycle.
type GCRequest struct {
	Full bool `json:"full"`
	Wait bool `json:"wait"`
}

func newGCHandler(svr *server.Server, rd *render.Render) *gcHandler {
	limit := rate.Limit(svr.Config().GC.TriggerRate)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &gcHandler{
		svr:     svr,
		rd:      rd,
		limiter: rate.NewLimiter(limit, 1),
		primed:  atomic.NewBool(false),
	}
}

func (h *gcHandler) Get(w http.ResponseWriter, r *http.Request) {
	c := h.svr.GetCollector()
	h.rd.JSON(w, http.StatusOK, &GCStatus{
		Enabled:   c.IsEnabled(),
		Running:   c.IsRunning(),
		State:     c.State().String(),
		Iteration: c.Iteration(),
		Young:     c.YoungCount(),
		Summary:   c.History().Summary(),
		History:   c.History().Infos(),
	})
}

func (h *gcHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req GCRequest
	if r.ContentLength != 0 {
		if err := apiutil.ReadJSON(r.Body, &req); err != nil {
			apiutil.ErrorResp(h.rd, w, err)
			return
		}
	}
	allowed := h.limiter.Allow()
	if !h.primed.Swap(true) {
		allowed = true
	}
	if !allowed {
		h.rd.JSON(w, http.StatusTooManyRequests, "too many gc requests")
		return
	}
	stage := h.svr.GetGCStage()
	if !req.Wait {
		if !stage.Trigger(req.Full) {
			h.rd.JSON(w, http.StatusConflict, "a gc cycle is already queued")
			return
		}
		h.rd.JSON(w, http.StatusAccepted, "gc cycle queued")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTriggerTimeout)
	defer cancel()
	info, err := stage.TriggerAndWait(ctx, req.Full)
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	if info == nil {
		h.rd.JSON(w, http.StatusOK, "gc cycle did not run")
		return
	}
	h.rd.JSON(w, http.StatusOK, info)
}

func (h *gcHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.svr.GetCollector().EnableGC()
	h.rd.JSON(w, http.StatusOK, "gc enabled")
}

func (h *gcHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.svr.GetCollector().DisableGC()
	h.rd.JSON(w, http.StatusOK, "gc disabled")
}
