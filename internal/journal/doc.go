// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package journal persists fabric events (message outcomes, routing
// decisions, registry and mapping changes) through GORM so dashboards and
// audits can query them after the fact. Journal implements types.EventSink
// and never blocks the publisher: events queue in a bounded buffer and are
// written in batches by a single goroutine.
package journal
