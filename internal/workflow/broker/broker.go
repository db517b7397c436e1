// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package broker moves stage tasks between daemons: durable at-least-once
// delivery of (node, workflow, position) triples to whichever worker declares
// the capability. Duplicate delivery is harmless because the executor's claim
// rejects the second runner.
package broker

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Capability consumed by scheduler instances; every other capability is a
// node name.
const RunWorkflowCapability = "workflow.run"

// Task is one unit of dispatch: run the stage at Position of WorkflowID.
// Node doubles as the capability routing key.
type Task struct {
	Node        string
	WorkflowID  string
	Position    int
	Traceparent string
}

func (t Task) validate() error {
	if t.Node == "" {
		return fmt.Errorf("task has no node")
	}
	if t.WorkflowID == "" {
		return fmt.Errorf("task has no workflow id")
	}
	if t.Position < 0 {
		return fmt.Errorf("task has negative position %d", t.Position)
	}
	return nil
}

// Handler processes one delivery. Returning nil acknowledges the task;
// returning an error leaves it pending for redelivery or reclaim.
type Handler func(ctx context.Context, task Task) error

// Broker is the task transport between daemons.
type Broker interface {
	// Dispatch appends the task to its capability stream.
	Dispatch(ctx context.Context, task Task) error

	// Consume delivers tasks for one capability to handler until ctx ends
	// or the broker closes. It blocks for the lifetime of the consumer.
	Consume(ctx context.Context, capability string, handler Handler) error

	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Payload field names on the wire. Stable: older daemons read newer streams.
const (
	fieldNode        = "node"
	fieldWorkflowID  = "workflow_id"
	fieldPosition    = "position"
	fieldTraceparent = "traceparent"
)

func (t Task) values() map[string]any {
	values := map[string]any{
		fieldNode:       t.Node,
		fieldWorkflowID: t.WorkflowID,
		fieldPosition:   strconv.Itoa(t.Position),
	}
	if t.Traceparent != "" {
		values[fieldTraceparent] = t.Traceparent
	}
	return values
}

func taskFromValues(values map[string]any) (Task, error) {
	var task Task
	str := func(field string) string {
		v, _ := values[field].(string)
		return v
	}
	task.Node = str(fieldNode)
	task.WorkflowID = str(fieldWorkflowID)
	task.Traceparent = str(fieldTraceparent)
	pos, err := strconv.Atoi(str(fieldPosition))
	if err != nil {
		return Task{}, fmt.Errorf("task payload has bad position %q", str(fieldPosition))
	}
	task.Position = pos
	if err := task.validate(); err != nil {
		return Task{}, fmt.Errorf("task payload: %w", err)
	}
	return task, nil
}

// injectTrace stamps the active span context onto the task so the consumer
// side can continue the trace across the broker hop.
func injectTrace(ctx context.Context, task *Task) {
	if task.Traceparent != "" {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	task.Traceparent = carrier.Get("traceparent")
}

// extractTrace restores the dispatching span context, if any, onto ctx.
func extractTrace(ctx context.Context, task Task) context.Context {
	if task.Traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{fieldTraceparent: task.Traceparent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
