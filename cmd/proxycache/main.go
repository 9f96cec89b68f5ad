/*
Copyright proxycache Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/airnsk/proxycache/cmd/proxycache/app"
	"github.com/spf13/cobra"
)

func main() {
	opts := &app.Options{}

	rootCmd := &cobra.Command{
		Use:   "proxycache",
		Short: "OpenAI-compatible proxy with prefix-aware slot routing",
		Long: `proxycache fronts one or more llama.cpp-compatible inference backends
with a single OpenAI-compatible chat completions endpoint. It tracks each
backend's KV-cache slots, routes requests to the slot whose cached prefix
best matches the incoming conversation, and restores previously saved KV
state when no hot slot is similar enough to reuse.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	opts.AddFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *app.Options) error {
	server, err := app.NewServer(opts)
	if err != nil {
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	stopCh := make(chan struct{})
	go func() {
		<-signalCh
		close(stopCh)
	}()

	server.Run(stopCh)
	return nil
}
