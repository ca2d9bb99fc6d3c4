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
	"net/url"

	"github.com/spf13/cobra"
)

// NewStatusCommand returns the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the server status",
		Run: func(cmd *cobra.Command, args []string) {
			getAndPrint(cmd, "/status")
		},
	}
}

// NewHandshakeCommand returns the handshake command.
func NewHandshakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "show the client reconnect state",
		Run: func(cmd *cobra.Command, args []string) {
			getAndPrint(cmd, "/handshake")
		},
	}
}

// NewLockCommand returns the lock command.
func NewLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock [<lock_id>]",
		Short: "show all locks or one lock",
		Run:   showLockCommandFunc,
	}
}

func showLockCommandFunc(cmd *cobra.Command, args []string) {
	switch len(args) {
	case 0:
		getAndPrint(cmd, "/locks")
	case 1:
		getAndPrint(cmd, "/locks/"+url.PathEscape(args[0]))
	default:
		printUsage(cmd)
	}
}
