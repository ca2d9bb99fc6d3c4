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

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinydso/pkg/typeutil"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the dso server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version bool `json:"-"`

	ConfigCheck bool `json:"-"`

	Name       string `toml:"name" json:"name"`
	DataDir    string `toml:"data-dir" json:"data-dir"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`
	// ClusterVersion is the protocol version clients are checked against.
	ClusterVersion string `toml:"cluster-version" json:"cluster-version"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Storage   StorageConfig   `toml:"storage" json:"storage"`
	ID        IDConfig        `toml:"id" json:"id"`
	Handshake HandshakeConfig `toml:"handshake" json:"handshake"`
	GC        GCConfig        `toml:"gc" json:"gc"`
	Lock      LockConfig      `toml:"lock" json:"lock"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("dso", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this dso server")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "path to the data directory (default 'default.${name}')")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "address of the status server (default '127.0.0.1:9770')")
	fs.StringVar(&cfg.Storage.Backend, "storage", "", "object storage backend: badger, memory (default 'badger')")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	return cfg
}

const (
	defaultName           = "dso"
	defaultStatusAddr     = "127.0.0.1:9770"
	defaultClusterVersion = "1.1.0"

	defaultBackend     = BackendBadger
	defaultMetaBackend = BackendLeveldb

	defaultObjectIDBatchSize = uint64(10000)
	defaultSequenceStep      = uint64(1000)

	defaultReconnectWindow = 120 * time.Second

	defaultGCInterval      = time.Hour
	defaultYoungInterval   = 10 * time.Minute
	defaultDeleteBatchSize = 5000
	defaultGCHistorySize   = 64
	defaultTriggerRate     = 1.0

	defaultLockStripes = 64
)

// Storage backends.
const (
	BackendBadger  = "badger"
	BackendLeveldb = "leveldb"
	BackendMemory  = "memory"
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustFloat64(v *float64, defValue float64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	return c.Adjust(meta)
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return errors.WithStack(err)
	}
	if c.Log.File.Filename != "" {
		logFile, err := filepath.Abs(c.Log.File.Filename)
		if err != nil {
			return errors.WithStack(err)
		}
		rel, err := filepath.Rel(dataDir, filepath.Dir(logFile))
		if err != nil {
			return errors.WithStack(err)
		}
		if !strings.HasPrefix(rel, "..") {
			return errors.New("log directory shouldn't be the subdirectory of data directory")
		}
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	return c.GC.validate()
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust fills the defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.DataDir, fmt.Sprintf("default.%s", c.Name))
	adjustString(&c.StatusAddr, defaultStatusAddr)
	adjustString(&c.ClusterVersion, defaultClusterVersion)

	c.Storage.adjust(configMetaData.Child("storage"))
	c.ID.adjust()
	c.Handshake.adjust()
	c.GC.adjust(configMetaData.Child("gc"))
	c.Lock.adjust()

	return c.Validate()
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// StorageConfig selects and tunes the persistence backends.
type StorageConfig struct {
	// Backend stores objects: badger or memory.
	Backend string `toml:"backend" json:"backend"`
	// MetaBackend stores sequences, clients and gc state: leveldb or memory.
	MetaBackend string `toml:"meta-backend" json:"meta-backend"`
	SyncWrites  bool   `toml:"sync-writes" json:"sync-writes"`
	// Compress object states with lz4 when it saves space.
	Compress         bool              `toml:"compress" json:"compress"`
	ValueLogFileSize typeutil.ByteSize `toml:"value-log-file-size" json:"value-log-file-size"`
}

func (c *StorageConfig) adjust(meta *configMetaData) {
	adjustString(&c.Backend, defaultBackend)
	adjustString(&c.MetaBackend, defaultMetaBackend)
	if !meta.IsDefined("compress") {
		c.Compress = true
	}
}

func (c *StorageConfig) validate() error {
	switch c.Backend {
	case BackendBadger, BackendMemory:
	default:
		return errors.Errorf("unknown storage backend %q", c.Backend)
	}
	switch c.MetaBackend {
	case BackendLeveldb, BackendMemory:
	default:
		return errors.Errorf("unknown meta storage backend %q", c.MetaBackend)
	}
	return nil
}

// IDConfig tunes id allocation.
type IDConfig struct {
	// ObjectBatchSize is the number of object ids granted to a client.
	ObjectBatchSize uint64 `toml:"object-batch-size" json:"object-batch-size"`
	// SequenceStep is the minimum number of ids reserved per durable write.
	SequenceStep uint64 `toml:"sequence-step" json:"sequence-step"`
}

func (c *IDConfig) adjust() {
	adjustUint64(&c.ObjectBatchSize, defaultObjectIDBatchSize)
	adjustUint64(&c.SequenceStep, defaultSequenceStep)
}

// HandshakeConfig tunes the startup protocol.
type HandshakeConfig struct {
	// ReconnectWindow is how long clients connected before a restart have to
	// come back.
	ReconnectWindow typeutil.Duration `toml:"reconnect-window" json:"reconnect-window"`
}

func (c *HandshakeConfig) adjust() {
	adjustDuration(&c.ReconnectWindow, defaultReconnectWindow)
}

// GCConfig tunes the garbage collector.
type GCConfig struct {
	Enable        bool              `toml:"enable" json:"enable"`
	Interval      typeutil.Duration `toml:"interval" json:"interval"`
	YoungGen      bool              `toml:"young-gen" json:"young-gen"`
	YoungInterval typeutil.Duration `toml:"young-interval" json:"young-interval"`
	// DeleteBatchSize is the number of objects deleted per persistence
	// transaction.
	DeleteBatchSize int `toml:"delete-batch-size" json:"delete-batch-size"`
	// DeleteRate limits deleted objects per second, zero is unlimited.
	DeleteRate float64 `toml:"delete-rate" json:"delete-rate"`
	// MaxLoad defers periodic cycles while the load average is higher.
	MaxLoad     float64 `toml:"max-load" json:"max-load"`
	HistorySize int     `toml:"history-size" json:"history-size"`
	// TriggerRate limits manual triggers through the status API per second.
	TriggerRate float64 `toml:"trigger-rate" json:"trigger-rate"`
}

func (c *GCConfig) adjust(meta *configMetaData) {
	if !meta.IsDefined("enable") {
		c.Enable = true
	}
	adjustDuration(&c.Interval, defaultGCInterval)
	adjustDuration(&c.YoungInterval, defaultYoungInterval)
	adjustInt(&c.DeleteBatchSize, defaultDeleteBatchSize)
	adjustInt(&c.HistorySize, defaultGCHistorySize)
	adjustFloat64(&c.TriggerRate, defaultTriggerRate)
}

func (c *GCConfig) validate() error {
	if c.DeleteBatchSize < 0 {
		return errors.Errorf("gc delete-batch-size %d is negative", c.DeleteBatchSize)
	}
	if c.DeleteRate < 0 {
		return errors.Errorf("gc delete-rate %v is negative", c.DeleteRate)
	}
	return nil
}

// LockConfig tunes the lock manager.
type LockConfig struct {
	// Stripes is the number of independently locked partitions of the lock
	// table.
	Stripes int `toml:"stripes" json:"stripes"`
}

func (c *LockConfig) adjust() {
	adjustInt(&c.Stripes, defaultLockStripes)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
