// Copyright 2025 The Harborpool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"database/sql"
	"time"

	"github.com/spf13/pflag"
)

// Config holds pool configuration.
type Config struct {
	// Name tags log lines and metrics emitted for this pool.
	Name string

	// Capacity is the maximum number of live backend connections.
	Capacity int

	// IdleTimeout evicts handles that sat unused for longer.
	// 0 disables idle eviction.
	IdleTimeout time.Duration

	// MaxLifetime destroys connections older than this, idle or not.
	// 0 disables the limit.
	MaxLifetime time.Duration

	// LeakThreshold arms leak detection on every checkout: a handle not
	// returned within the threshold is reported with the stack captured
	// at checkout. 0 disables detection.
	LeakThreshold time.Duration

	// IdleScanInterval is how often the idle scanner runs.
	IdleScanInterval time.Duration

	// DefaultIsolation is restored on reuse when a caller dirtied the
	// session's isolation level.
	DefaultIsolation sql.IsolationLevel
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.IdleScanInterval <= 0 {
		c.IdleScanInterval = 10 * time.Second
	}
}

// RegisterFlags registers the pool's command line flags.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Name, "pool-name", "default", "Name used in pool diagnostics and metrics")
	fs.IntVar(&c.Capacity, "pool-capacity", 100, "Maximum number of backend connections")
	fs.DurationVar(&c.IdleTimeout, "pool-idle-timeout", 0, "Evict connections idle for longer than this (0 disables)")
	fs.DurationVar(&c.MaxLifetime, "pool-max-lifetime", 0, "Destroy connections older than this (0 disables)")
	fs.DurationVar(&c.LeakThreshold, "leak-detection-threshold", 0, "Report handles not returned within this duration (0 disables)")
	fs.DurationVar(&c.IdleScanInterval, "pool-idle-scan-interval", 10*time.Second, "How often the idle scanner runs")
}
