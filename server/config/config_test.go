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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	. "github.com/pingcap/check"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestDefaults(c *C) {
	cfg := NewConfig()
	cfg.Name = "dso1"
	c.Assert(cfg.Adjust(nil), IsNil)
	c.Assert(cfg.DataDir, Equals, "default.dso1")
	c.Assert(cfg.StatusAddr, Equals, defaultStatusAddr)
	c.Assert(cfg.Storage.Backend, Equals, BackendBadger)
	c.Assert(cfg.Storage.MetaBackend, Equals, BackendLeveldb)
	c.Assert(cfg.Storage.Compress, IsTrue)
	c.Assert(cfg.ID.ObjectBatchSize, Equals, uint64(10000))
	c.Assert(cfg.Handshake.ReconnectWindow.Duration, Equals, defaultReconnectWindow)
	c.Assert(cfg.GC.Enable, IsTrue)
	c.Assert(cfg.GC.DeleteBatchSize, Equals, defaultDeleteBatchSize)
	c.Assert(cfg.Lock.Stripes, Equals, defaultLockStripes)
}

func (s *testConfigSuite) TestDecode(c *C) {
	text := `
name = "dso-test"
cluster-version = "1.0.0"

[storage]
backend = "memory"
meta-backend = "memory"
compress = false

[handshake]
reconnect-window = "5s"

[gc]
enable = false
interval = "10m"
young-gen = true
delete-batch-size = 100
delete-rate = 2000.0

[lock]
stripes = 8
`
	cfg := NewConfig()
	meta, err := toml.Decode(text, cfg)
	c.Assert(err, IsNil)
	c.Assert(cfg.Adjust(&meta), IsNil)
	c.Assert(cfg.WarningMsgs, HasLen, 0)
	c.Assert(cfg.Name, Equals, "dso-test")
	c.Assert(cfg.ClusterVersion, Equals, "1.0.0")
	c.Assert(cfg.Storage.Backend, Equals, BackendMemory)
	c.Assert(cfg.Storage.Compress, IsFalse)
	c.Assert(cfg.Handshake.ReconnectWindow.Duration, Equals, 5*time.Second)
	c.Assert(cfg.GC.Enable, IsFalse)
	c.Assert(cfg.GC.Interval.Duration, Equals, 10*time.Minute)
	c.Assert(cfg.GC.YoungGen, IsTrue)
	c.Assert(cfg.GC.DeleteBatchSize, Equals, 100)
	c.Assert(cfg.GC.DeleteRate, Equals, 2000.0)
	c.Assert(cfg.Lock.Stripes, Equals, 8)
}

func (s *testConfigSuite) TestUndecodedWarning(c *C) {
	cfg := NewConfig()
	meta, err := toml.Decode(`
name = "dso"
[gc]
no-such-item = 1
`, cfg)
	c.Assert(err, IsNil)
	c.Assert(cfg.Adjust(&meta), IsNil)
	c.Assert(cfg.WarningMsgs, HasLen, 1)
	c.Assert(cfg.WarningMsgs[0], Matches, ".*gc.no-such-item.*")
}

func (s *testConfigSuite) TestValidate(c *C) {
	cfg := NewConfig()
	cfg.Name = "dso"
	cfg.Storage.Backend = "rocksdb"
	c.Assert(cfg.Adjust(nil), NotNil)

	cfg = NewConfig()
	cfg.Name = "dso"
	cfg.DataDir = "/tmp/dso"
	cfg.Log.File.Filename = "/tmp/dso/log/dso.log"
	c.Assert(cfg.Adjust(nil), NotNil)

	cfg = NewConfig()
	cfg.Name = "dso"
	cfg.GC.DeleteRate = -1
	c.Assert(cfg.Adjust(nil), NotNil)
}

func (s *testConfigSuite) TestParse(c *C) {
	dir, err := ioutil.TempDir("", "dso-config")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "dso.toml")
	c.Assert(ioutil.WriteFile(file, []byte("name = \"from-file\"\n[id]\nobject-batch-size = 50\n"), 0644), IsNil)

	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-config", file, "-storage", "memory"}), IsNil)
	c.Assert(cfg.Name, Equals, "from-file")
	c.Assert(cfg.ID.ObjectBatchSize, Equals, uint64(50))
	c.Assert(cfg.Storage.Backend, Equals, BackendMemory)

	cfg = NewConfig()
	c.Assert(cfg.Parse([]string{"-name", "x", "extra"}), NotNil)
}
