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

package app

import (
	"github.com/spf13/pflag"
)

// Options holds the CLI flags that override the environment-derived
// configuration. Flags take precedence only where explicitly set; the zero
// value means "use whatever config.Load already resolved from the
// environment".
type Options struct {
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string
}

// AddFlags registers the proxy's flags on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.HTTPAddr, "http-addr", "", "address for the chat-completions HTTP surface (overrides HTTP_ADDR)")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "address for the /metrics endpoint, if served separately (overrides METRICS_ADDR)")
	fs.StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
}
