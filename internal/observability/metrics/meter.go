// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/opentrusty/opencrm/internal/audit"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
	// Prefix is prepended to Prometheus metric names.
	Prefix string
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a meter from the global provider, or a no-op meter when
// metrics are disabled.
func New(cfg Config, serviceName string) *Meter {
	if !cfg.Enabled {
		return &Meter{meter: noop.NewMeterProvider().Meter(serviceName)}
	}
	return &Meter{meter: otel.Meter(serviceName)}
}

// NewFromMeter wraps an existing meter.
func NewFromMeter(m metric.Meter) *Meter {
	return &Meter{meter: m}
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// AuditCounter counts audit events by type and tenant before passing them
// on. It turns the audit trail into domain metrics: records written,
// denials by reason, searches started and webhooks handled.
type AuditCounter struct {
	next   audit.Logger
	events metric.Int64Counter
}

// CountAudit wraps next with an event counter.
func (m *Meter) CountAudit(next audit.Logger) (*AuditCounter, error) {
	c, err := m.CreateCounter("opencrm.audit.events", "Audit events by type")
	if err != nil {
		return nil, err
	}
	return &AuditCounter{next: next, events: c}, nil
}

func (a *AuditCounter) Log(ctx context.Context, event audit.Event) {
	attrs := []attribute.KeyValue{attribute.String("type", event.Type)}
	if event.Resource != "" {
		attrs = append(attrs, attribute.String("resource", event.Resource))
	}
	if reason, ok := event.Metadata["reason"].(string); ok {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	a.events.Add(ctx, 1, metric.WithAttributes(attrs...))
	a.next.Log(ctx, event)
}
