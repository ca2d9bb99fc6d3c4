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
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	apiPrefix   = "/dso/api/v1"
	endpointKey = "dso"
	outputKey   = "output"
)

var dialClient = &http.Client{
	Timeout: 90 * time.Second,
}

// SetEndpointFlag registers the address flag of the status server and the
// output format flag.
func SetEndpointFlag(flags *pflag.FlagSet) {
	flags.StringP(endpointKey, "u", "http://127.0.0.1:9770", "address of the dso status server")
	flags.StringP(outputKey, "o", "json", "output format, json or yaml")
}

func getEndpoint(cmd *cobra.Command) string {
	addr, err := cmd.Flags().GetString(endpointKey)
	if err != nil || addr == "" {
		addr = "http://127.0.0.1:9770"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/")
}

func doRequest(cmd *cobra.Command, path, method string, body interface{}) (string, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", errors.WithStack(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, getEndpoint(cmd)+apiPrefix+path, reader)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := dialClient.Do(req)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if resp.StatusCode/100 != 2 {
		return "", errors.Errorf("[%d] %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return string(b), nil
}

func getAndPrint(cmd *cobra.Command, path string) {
	r, err := doRequest(cmd, path, http.MethodGet, nil)
	if err != nil {
		cmd.Printf("Failed to get %s: %s\n", path, err)
		return
	}
	printResponse(cmd, r)
}

func postAndPrint(cmd *cobra.Command, path string, body interface{}) {
	r, err := doRequest(cmd, path, http.MethodPost, body)
	if err != nil {
		cmd.Printf("Failed to post %s: %s\n", path, err)
		return
	}
	printResponse(cmd, r)
}

func printResponse(cmd *cobra.Command, r string) {
	if output, _ := cmd.Flags().GetString(outputKey); output == "yaml" {
		y, err := yaml.JSONToYAML([]byte(r))
		if err != nil {
			cmd.Printf("Failed to convert to yaml: %s\n", err)
			return
		}
		r = string(y)
	}
	cmd.Println(strings.TrimSpace(r))
}

// UsageTemplate is the shorter usage output of the ctl commands.
const UsageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}
`

func printUsage(cmd *cobra.Command) {
	fmt.Fprint(cmd.OutOrStdout(), cmd.UsageString())
}
