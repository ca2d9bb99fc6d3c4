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
	"github.com/spf13/cobra"
)

type gcRequest struct {
	Full bool `json:"full"`
	Wait bool `json:"wait"`
}

// NewGCCommand returns the gc command and its subcommands.
func NewGCCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "gc <subcommand>",
		Short: "show or drive the distributed garbage collector",
		Run: func(cmd *cobra.Command, args []string) {
			getAndPrint(cmd, "/gc")
		},
	}
	m.AddCommand(newGCRunCommand())
	m.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "enable periodic and manual gc",
		Run: func(cmd *cobra.Command, args []string) {
			postAndPrint(cmd, "/gc/enable", nil)
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "disable gc",
		Run: func(cmd *cobra.Command, args []string) {
			postAndPrint(cmd, "/gc/disable", nil)
		},
	})
	return m
}

func newGCRunCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run [--young] [--wait]",
		Short: "trigger a gc cycle",
		Run:   runGCCommandFunc,
	}
	c.Flags().Bool("young", false, "collect only objects created since the last full cycle")
	c.Flags().Bool("wait", false, "wait for the cycle and print its info")
	return c
}

func runGCCommandFunc(cmd *cobra.Command, args []string) {
	young, err := cmd.Flags().GetBool("young")
	if err != nil {
		cmd.Println(err)
		return
	}
	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		cmd.Println(err)
		return
	}
	postAndPrint(cmd, "/gc", &gcRequest{Full: !young, Wait: wait})
}
