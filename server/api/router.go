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
	"github.com/pingcap-incubator/tinydso/server"
	"github.com/unrolled/render"
)

const pingAPI = "/ping"

func createRouter(prefix string, svr *server.Server) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	router.Handle("/api/v1/status", newStatusHandler(svr, rd)).Methods("GET")

	lockHandler := newLockHandler(svr, rd)
	router.HandleFunc("/api/v1/locks", lockHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/locks/{id}", lockHandler.Get).Methods("GET")

	gcHandler := newGCHandler(svr, rd)
	router.HandleFunc("/api/v1/gc", gcHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/gc", gcHandler.Post).Methods("POST")
	router.HandleFunc("/api/v1/gc/enable", gcHandler.Enable).Methods("POST")
	router.HandleFunc("/api/v1/gc/disable", gcHandler.Disable).Methods("POST")

	router.Handle("/api/v1/handshake", newHandshakeHandler(svr, rd)).Methods("GET")

	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")

	return router
}
