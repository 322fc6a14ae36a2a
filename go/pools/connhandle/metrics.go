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

package connhandle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute key from OTel semantic conventions:
// semconv.DBClientConnectionPoolNameKey = "db.client.connection.pool.name"
const attrKeyPoolName = "db.client.connection.pool.name"

// Metrics holds the handle-level instruments. A nil *Metrics is valid and
// records nothing, so instrumentation stays optional.
type Metrics struct {
	leaked metric.Int64Counter
	broken metric.Int64Counter
}

// NewMetrics creates the handle instruments on the given meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	leaked, err := m.Int64Counter(
		"db.client.connection.leaks",
		metric.WithDescription("The number of checkouts that exceeded the leak detection threshold without being returned."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}
	broken, err := m.Int64Counter(
		"db.client.connection.broken",
		metric.WithDescription("The number of connections marked broken after a fatal backend error."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{leaked: leaked, broken: broken}, nil
}

// AddLeaked records one suspected leak for the given pool.
func (m *Metrics) AddLeaked(ctx context.Context, poolName string) {
	if m == nil || m.leaked == nil {
		return
	}
	m.leaked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
	))
}

// AddBroken records one broken-connection transition for the given pool.
func (m *Metrics) AddBroken(ctx context.Context, poolName string) {
	if m == nil || m.broken == nil {
		return
	}
	m.broken.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
	))
}
