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

package server

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydso/pkg/logutil"
	"github.com/pingcap-incubator/tinydso/server/broadcast"
	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/config"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/gc"
	"github.com/pingcap-incubator/tinydso/server/handshake"
	"github.com/pingcap-incubator/tinydso/server/idgen"
	"github.com/pingcap-incubator/tinydso/server/kv"
	"github.com/pingcap-incubator/tinydso/server/lock"
	"github.com/pingcap-incubator/tinydso/server/objects"
	"github.com/pingcap-incubator/tinydso/server/persistence"
	"github.com/pingcap-incubator/tinydso/server/tx"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrServerNotStarted is returned before Run.
	ErrServerNotStarted = errors.New("the server has not been started")
	// ErrDuplicateSession is returned when a node opens a second session.
	ErrDuplicateSession = errors.New("node already has an open session")
)

const (
	// APIPrefix is where the status API is mounted.
	APIPrefix       = "/dso/"
	metricsPath     = "/metrics"
	shutdownTimeout = 5 * time.Second
)

// HandlerBuilder builds the status API of a server.
type HandlerBuilder func(*Server) http.Handler

// Server is the dso server. It owns one instance of every manager.
type Server struct {
	isServing *atomic.Int64

	cfg        *config.Config
	apiBuilder HandlerBuilder

	serverLoopCtx    context.Context
	serverLoopCancel func()
	serverLoopWg     sync.WaitGroup
	workerWg         sync.WaitGroup

	metaKV    kv.Base
	storage   *core.Storage
	persistor persistence.Persistor

	objectIDs *idgen.Sequence
	gids      *idgen.Sequence

	arena     *objects.Arena
	clients   *clientstate.Manager
	sessions  *sessions
	locks     *lock.Manager
	txns      *tx.Manager
	broadcast *broadcast.Stage
	collector *gc.Collector
	gcStage   *gc.Stage
	handshake *handshake.Manager

	statusListener net.Listener
	statusServer   *http.Server
}

// CreateServer opens the storage of cfg and builds every manager. Nothing
// runs until Run.
func CreateServer(cfg *config.Config, apiBuilder HandlerBuilder) (*Server, error) {
	log.Info("DSO Config", zap.Reflect("config", cfg))
	s := &Server{
		isServing:  atomic.NewInt64(0),
		cfg:        cfg,
		apiBuilder: apiBuilder,
		sessions:   newSessions(),
	}
	if err := s.openStorage(); err != nil {
		s.closeStorage()
		return nil, err
	}
	if err := s.createManagers(); err != nil {
		s.closeStorage()
		return nil, err
	}
	s.sessions.onFailure = func(node core.NodeID, err error) {
		s.Disconnect(node)
	}
	return s, nil
}

func (s *Server) openStorage() error {
	var err error
	switch s.cfg.Storage.MetaBackend {
	case config.BackendLeveldb:
		s.metaKV, err = kv.NewLeveldbKV(filepath.Join(s.cfg.DataDir, "meta"), s.cfg.Storage.SyncWrites)
		if err != nil {
			return err
		}
	default:
		s.metaKV = kv.NewMemoryKV()
	}
	s.storage = core.NewStorage(s.metaKV)

	switch s.cfg.Storage.Backend {
	case config.BackendBadger:
		s.persistor, err = persistence.NewBadgerPersistor(persistence.BadgerOptions{
			Dir:              filepath.Join(s.cfg.DataDir, "objects"),
			SyncWrites:       s.cfg.Storage.SyncWrites,
			ValueLogFileSize: int64(s.cfg.Storage.ValueLogFileSize),
			Compress:         s.cfg.Storage.Compress,
		})
		if err != nil {
			return err
		}
	default:
		s.persistor = persistence.NewMemoryPersistor()
	}
	return nil
}

func (s *Server) createManagers() error {
	var err error
	if s.objectIDs, err = idgen.NewSequence(idgen.ObjectIDSequence, s.storage, s.cfg.ID.SequenceStep); err != nil {
		return err
	}
	if s.gids, err = idgen.NewSequence(idgen.GlobalTxnIDSequence, s.storage, s.cfg.ID.SequenceStep); err != nil {
		return err
	}
	if s.arena, err = objects.NewArena(s.persistor); err != nil {
		return err
	}
	s.clients = clientstate.NewManager()
	s.locks = lock.NewManager(s.sessions, s.cfg.Lock.Stripes)
	s.txns, err = tx.NewManager(tx.Deps{
		Arena:   s.arena,
		Clients: s.clients,
		GIDs:    s.gids,
		Locks:   s.locks,
		Acks:    s.sessions,
		Closer:  s.sessions,
	}, &s.workerWg)
	if err != nil {
		return err
	}
	s.broadcast = broadcast.NewStage(s.clients, s.sessions, s.txns, &s.workerWg)
	s.txns.SetBroadcaster(s.broadcast)

	disposer := gc.NewDisposeHandler(s.persistor, s.arena, s.cfg.GC.DeleteBatchSize, s.cfg.GC.DeleteRate)
	s.collector, err = gc.NewCollector(s.arena, s.clients, s.txns, disposer, s.storage, s.cfg.GC.HistorySize)
	if err != nil {
		return err
	}
	disposer.OnDeleted(s.collector.NotifyObjectsEvicted)
	s.arena.SetListener(s.collector)
	if !s.cfg.GC.Enable {
		s.collector.DisableGC()
	}
	s.gcStage = gc.NewStage(s.collector, gc.StageConfig{
		Interval:      s.cfg.GC.Interval.Duration,
		YoungGen:      s.cfg.GC.YoungGen,
		YoungInterval: s.cfg.GC.YoungInterval.Duration,
		MaxLoad:       s.cfg.GC.MaxLoad,
	})

	s.handshake, err = handshake.NewManager(handshake.Deps{
		Locks:   s.locks,
		Txns:    s.txns,
		Clients: s.clients,
		IDs:     s.objectIDs,
		Acks:    s.sessions,
		Storage: s.storage,
	}, handshake.Config{
		ReconnectWindow:   s.cfg.Handshake.ReconnectWindow.Duration,
		ObjectIDBatchSize: s.cfg.ID.ObjectBatchSize,
		ClusterVersion:    s.cfg.ClusterVersion,
	})
	if err != nil {
		return err
	}
	// Clients still inside the reconnect window hold references the server
	// does not know yet.
	s.gcStage.SetReadyCheck(func() bool {
		return s.handshake.State() == handshake.StateStarted
	})
	return nil
}

// Run starts the stages, the reconnect window and the status server.
func (s *Server) Run(ctx context.Context) error {
	if s.isServing.Load() == 1 {
		return nil
	}
	s.serverLoopCtx, s.serverLoopCancel = context.WithCancel(ctx)
	s.txns.Run()
	s.broadcast.Run()
	s.isServing.Store(1)

	existing, err := s.storage.LoadClients()
	if err != nil {
		return err
	}
	if err := s.handshake.SetStarting(existing); err != nil {
		return err
	}

	s.serverLoopWg.Add(1)
	go func() {
		defer logutil.LogPanic()
		defer s.serverLoopWg.Done()
		s.gcStage.Run(s.serverLoopCtx)
	}()

	if err := s.startStatusServer(); err != nil {
		return err
	}
	log.Info("dso server started", zap.String("name", s.cfg.Name), zap.Int("expected-clients", len(existing)))
	return nil
}

func (s *Server) startStatusServer() error {
	if s.cfg.StatusAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	if s.apiBuilder != nil {
		mux.Handle(APIPrefix, s.apiBuilder(s))
	}
	mux.Handle(metricsPath, promhttp.Handler())
	l, err := net.Listen("tcp", s.cfg.StatusAddr)
	if err != nil {
		return errors.WithStack(err)
	}
	s.statusListener = l
	s.statusServer = &http.Server{Handler: mux}
	s.serverLoopWg.Add(1)
	go func() {
		defer logutil.LogPanic()
		defer s.serverLoopWg.Done()
		if err := s.statusServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server listening", zap.String("addr", l.Addr().String()))
	return nil
}

// StatusAddr returns the address the status server listens on.
func (s *Server) StatusAddr() string {
	if s.statusListener == nil {
		return ""
	}
	return s.statusListener.Addr().String()
}

// Close stops everything and closes the storage.
func (s *Server) Close() {
	if !s.isServing.CAS(1, 0) {
		s.closeStorage()
		return
	}
	log.Info("closing server")
	if s.statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.statusServer.Shutdown(ctx); err != nil {
			log.Warn("shutdown status server failed", zap.Error(err))
		}
		cancel()
	}
	s.serverLoopCancel()
	s.serverLoopWg.Wait()

	s.locks.Stop()
	s.txns.Close()
	s.broadcast.Close()
	s.workerWg.Wait()
	s.closeStorage()
	log.Info("close server")
}

func (s *Server) closeStorage() {
	if s.persistor != nil {
		if err := s.persistor.Close(); err != nil {
			log.Error("close object storage meet error", zap.Error(err))
		}
		s.persistor = nil
	}
	if s.metaKV != nil {
		if err := s.metaKV.Close(); err != nil {
			log.Error("close meta storage meet error", zap.Error(err))
		}
		s.metaKV = nil
	}
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return s.isServing.Load() == 0
}

// Connect opens the session of a client and processes its handshake. On
// error the session is closed.
func (s *Server) Connect(sess Session, h *handshake.Handshake) error {
	if s.IsClosed() {
		return ErrServerNotStarted
	}
	h.Node = sess.Node()
	if !s.sessions.add(sess) {
		return errors.Wrapf(ErrDuplicateSession, "node %s", h.Node)
	}
	if err := s.handshake.NotifyClientConnect(h); err != nil {
		s.sessions.remove(h.Node)
		if cerr := sess.Close(); cerr != nil {
			log.Warn("close rejected session failed", zap.String("node", string(h.Node)), zap.Error(cerr))
		}
		return err
	}
	sessionGauge.Set(float64(s.sessions.len()))
	return nil
}

// Disconnect closes the session of node and releases everything it held.
func (s *Server) Disconnect(node core.NodeID) {
	sess := s.sessions.remove(node)
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.Warn("close session failed", zap.String("node", string(node)), zap.Error(err))
	}
	s.handshake.ClientDisconnected(node)
	s.locks.ClearAllLocksFor(node)
	s.txns.ShutdownNode(node)
	sessionGauge.Set(float64(s.sessions.len()))
	log.Info("client disconnected", zap.String("node", string(node)))
}

// SubmitTransactions hands decoded client transactions to the apply stage.
func (s *Server) SubmitTransactions(txns ...*core.ServerTransaction) {
	s.txns.AddTransactions(txns...)
}

// AcknowledgeBroadcast records that receiver applied a broadcast
// transaction.
func (s *Server) AcknowledgeBroadcast(receiver, committer core.NodeID, txnID core.TransactionID) {
	s.txns.AcknowledgeBroadcast(committer, txnID, receiver)
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) Name() string {
	return s.cfg.Name
}

func (s *Server) GetLockManager() *lock.Manager {
	return s.locks
}

func (s *Server) GetTxnManager() *tx.Manager {
	return s.txns
}

func (s *Server) GetCollector() *gc.Collector {
	return s.collector
}

func (s *Server) GetGCStage() *gc.Stage {
	return s.gcStage
}

func (s *Server) GetHandshakeManager() *handshake.Manager {
	return s.handshake
}

func (s *Server) GetArena() *objects.Arena {
	return s.arena
}

func (s *Server) GetClients() *clientstate.Manager {
	return s.clients
}

func (s *Server) GetStorage() *core.Storage {
	return s.storage
}

// Status is a summary of the server.
type Status struct {
	Name           string                   `json:"name"`
	Version        string                   `json:"version"`
	ClusterVersion string                   `json:"cluster-version"`
	GitHash        string                   `json:"git-hash"`
	Handshake      string                   `json:"handshake"`
	Sessions       int                      `json:"sessions"`
	Objects        int                      `json:"objects"`
	CachedObjects  int                      `json:"cached-objects"`
	Locks          int                      `json:"locks"`
	LowWatermark   core.GlobalTransactionID `json:"low-watermark"`
	NextObjectID   uint64                   `json:"next-object-id"`
	NextGlobalTxn  uint64                   `json:"next-global-txn-id"`
	GCEnabled      bool                     `json:"gc-enabled"`
	GCState        string                   `json:"gc-state"`
	GCIteration    uint64                   `json:"gc-iteration"`
}

func (s *Server) Status() *Status {
	return &Status{
		Name:           s.cfg.Name,
		Version:        DSOReleaseVersion,
		ClusterVersion: s.cfg.ClusterVersion,
		GitHash:        DSOGitHash,
		Handshake:      s.handshake.State().String(),
		Sessions:       s.sessions.len(),
		Objects:        s.arena.Len(),
		CachedObjects:  s.arena.Cached(),
		Locks:          len(s.locks.Locks()),
		LowWatermark:   s.txns.LowWatermark(),
		NextObjectID:   s.objectIDs.Current(),
		NextGlobalTxn:  s.gids.Current(),
		GCEnabled:      s.collector.IsEnabled(),
		GCState:        s.collector.State().String(),
		GCIteration:    s.collector.Iteration(),
	}
}
