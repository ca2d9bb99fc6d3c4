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
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the ctl command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dso-ctl",
		Short: "DSO control",
	}
	SetEndpointFlag(rootCmd.PersistentFlags())
	rootCmd.Flags().BoolP("interact", "i", false, "run the ctl in interactive mode")
	rootCmd.AddCommand(
		NewStatusCommand(),
		NewHandshakeCommand(),
		NewLockCommand(),
		NewGCCommand(),
	)
	rootCmd.SetUsageTemplate(UsageTemplate)
	return rootCmd
}

// Start runs one command line, writing its output to out.
func Start(args []string, out io.Writer) {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOutput(out)
	rootCmd.Run = func(cmd *cobra.Command, args []string) {
		if interact, _ := cmd.Flags().GetBool("interact"); interact {
			loop(getEndpoint(cmd), out)
			return
		}
		printUsage(cmd)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(out, rootCmd.UsageString())
	}
}

func loop(endpoint string, out io.Writer) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       "/tmp/readline.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(out, err)
		return
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" {
			return
		}
		if line == "" {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(out, "parse command err: %v\n", err)
			continue
		}
		Start(append(args, "-u", endpoint), out)
	}
}
