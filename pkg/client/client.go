// Package client is the application-facing façade: it registers
// workflow definitions and enqueues runs against a Backend, returning
// a Handle the caller polls for the terminal result.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/runtime"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Definition is one registered workflow: its procedure and an
// optional input validator.
type Definition struct {
	Name      string
	Func      runtime.Func
	Validator Validator
}

// Client owns the process-wide workflow registry and the Backend used
// to enqueue and observe runs. Definitions are registered before the
// worker starts and are read-only thereafter; Define takes the write
// lock and Lookup the read lock.
type Client struct {
	namespaceID string
	backend     backend.Backend

	mu    sync.RWMutex
	defs  map[string]Definition
}

// New returns a Client scoped to namespaceID.
func New(namespaceID string, b backend.Backend) *Client {
	return &Client{namespaceID: namespaceID, backend: b, defs: make(map[string]Definition)}
}

// Define registers a workflow procedure under name. Registering the
// same name twice is a startup error.
func (c *Client) Define(name string, fn runtime.Func, validator Validator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[name]; exists {
		return workflow.NewError(workflow.KindValidation, fmt.Sprintf("workflow %q already defined", name), nil)
	}
	c.defs[name] = Definition{Name: name, Func: fn, Validator: validator}
	return nil
}

// Lookup returns the registered definition for name, if any. Used by
// the worker to dispatch a claimed run.
func (c *Client) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// Backend returns the Backend this Client enqueues against, so a
// Worker or worker.Pool can be constructed to drive the same store.
func (c *Client) Backend() backend.Backend {
	return c.backend
}

// Run enqueues a run of workflowName with the given input, validating
// against the registered schema (if any) before the backend insert.
func (c *Client) Run(ctx context.Context, workflowName string, input json.RawMessage) (*Handle, error) {
	def, ok := c.Lookup(workflowName)
	if !ok {
		return nil, workflow.NewError(workflow.KindValidation, fmt.Sprintf("unknown workflow %q", workflowName), nil)
	}
	if def.Validator != nil {
		if err := def.Validator.Validate(input); err != nil {
			return nil, workflow.NewError(workflow.KindValidation, err.Error(), err)
		}
	}

	runID, err := c.backend.EnqueueRun(ctx, c.namespaceID, workflowName, input, nil)
	if err != nil {
		return nil, err
	}
	return &Handle{id: runID, namespaceID: c.namespaceID, backend: c.backend}, nil
}

// RunChild enqueues a run whose parentRunId is set, for the child
// workflow feature threaded as an ordinary step.run body.
func (c *Client) RunChild(ctx context.Context, parentRunID, workflowName string, input json.RawMessage) (*Handle, error) {
	def, ok := c.Lookup(workflowName)
	if !ok {
		return nil, workflow.NewError(workflow.KindValidation, fmt.Sprintf("unknown workflow %q", workflowName), nil)
	}
	if def.Validator != nil {
		if err := def.Validator.Validate(input); err != nil {
			return nil, workflow.NewError(workflow.KindValidation, err.Error(), err)
		}
	}
	runID, err := c.backend.EnqueueRun(ctx, c.namespaceID, workflowName, input, &parentRunID)
	if err != nil {
		return nil, err
	}
	return &Handle{id: runID, namespaceID: c.namespaceID, backend: c.backend}, nil
}
