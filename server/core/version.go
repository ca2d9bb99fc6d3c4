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

package core

import (
	"github.com/coreos/go-semver/semver"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Feature is a protocol capability gated by version.
type Feature int

// Features list.
// A client may use a feature if its version is at least the required
// minimum version of the feature.
const (
	Base Feature = iota
	// ResentTxnOrdering replays resent transactions by original gid.
	ResentTxnOrdering
	// ObjectIDBatchOnHandshake grants an object id batch with the
	// handshake acknowledgement.
	ObjectIDBatchOnHandshake
)

var featuresDict = map[Feature]string{
	Base:                     "1.0.0",
	ResentTxnOrdering:        "1.1.0",
	ObjectIDBatchOnHandshake: "1.1.0",
}

// MinSupportedVersion returns the minimum support version for the specified feature.
func MinSupportedVersion(v Feature) *semver.Version {
	target, ok := featuresDict[v]
	if !ok {
		log.Fatal("the corresponding version of the feature doesn't exist", zap.Int("feature-number", int(v)))
	}
	return MustParseVersion(target)
}

// ParseVersion wraps semver.NewVersion. An empty version is the base version.
func ParseVersion(v string) (*semver.Version, error) {
	if v == "" {
		return semver.New(featuresDict[Base]), nil
	}
	if v[0] == 'v' {
		v = v[1:]
	}
	ver, err := semver.NewVersion(v)
	return ver, errors.WithStack(err)
}

// MustParseVersion wraps ParseVersion and will panic if error is not nil.
func MustParseVersion(v string) *semver.Version {
	ver, err := ParseVersion(v)
	if err != nil {
		log.Fatal("version string is illegal", zap.Error(err))
	}
	return ver
}

// IsCompatible checks if a client of version v may join a cluster running
// clusterVersion: same major version, and not newer than the cluster.
func IsCompatible(clusterVersion, v semver.Version) bool {
	if clusterVersion.Major != v.Major {
		return false
	}
	return !clusterVersion.LessThan(v)
}
