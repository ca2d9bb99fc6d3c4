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
	"fmt"

	"github.com/pingcap-incubator/tinydso/server/config"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Version information.
var (
	DSOReleaseVersion = "None"
	DSOBuildTS        = "None"
	DSOGitHash        = "None"
	DSOGitBranch      = "None"
)

// LogDSOInfo prints the server version information.
func LogDSOInfo() {
	log.Info("Welcome to the distributed shared object server")
	log.Info("DSO", zap.String("release-version", DSOReleaseVersion))
	log.Info("DSO", zap.String("git-hash", DSOGitHash))
	log.Info("DSO", zap.String("git-branch", DSOGitBranch))
	log.Info("DSO", zap.String("utc-build-time", DSOBuildTS))
}

// PrintDSOInfo prints the server version information without log info.
func PrintDSOInfo() {
	fmt.Println("Release Version:", DSOReleaseVersion)
	fmt.Println("Git Commit Hash:", DSOGitHash)
	fmt.Println("Git Branch:", DSOGitBranch)
	fmt.Println("UTC Build Time: ", DSOBuildTS)
}

// PrintConfigCheckMsg prints the message about configuration checks.
func PrintConfigCheckMsg(cfg *config.Config) {
	if len(cfg.WarningMsgs) == 0 {
		fmt.Println("config check successful")
		return
	}

	for _, msg := range cfg.WarningMsgs {
		fmt.Println(msg)
	}
}
