// Package coordinator drives whole requests: it parses the action
// envelope, runs every action against one shared overlay, and submits the
// accumulated events as a single atomic write. Lock conflicts rerun the
// request from the top with a fresh overlay.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
)

// ActionRequest is one element of the request envelope.
type ActionRequest struct {
	Action string           `json:"action"`
	Data   []map[string]any `json:"data"`
}

// Parse decodes the request envelope.
func Parse(body []byte) ([]ActionRequest, error) {
	var requests []ActionRequest
	if err := json.Unmarshal(body, &requests); err != nil {
		return nil, fmt.Errorf("failed to decode request envelope: %w", err)
	}
	for i, r := range requests {
		if r.Action == "" {
			return nil, fmt.Errorf("request element %d has no action name", i)
		}
	}
	return requests, nil
}

// ActionError wraps a failure with the index of the envelope element that
// raised it.
type ActionError struct {
	Index int
	Err   error
}

func (e *ActionError) Error() string {
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

const (
	// maxAttempts bounds reruns after lock conflicts.
	maxAttempts = 3
	// retryInterval is the constant pause between attempts.
	retryInterval = 100 * time.Millisecond
)

// Coordinator executes parsed requests against the datastore.
type Coordinator struct {
	registry *action.Registry
	backend  datastore.Datastore
}

// New returns a coordinator over the registry and backend.
func New(registry *action.Registry, backend datastore.Datastore) *Coordinator {
	return &Coordinator{registry: registry, backend: backend}
}

// Dispatch runs the request for the authenticated user and returns the
// per-action result lists. Any domain error aborts the request without
// writing; a lock conflict on the final write reruns everything up to the
// attempt budget.
func (c *Coordinator) Dispatch(ctx context.Context, userID int, requests []ActionRequest) ([][]action.Result, error) {
	var results [][]action.Result

	attempt := func() error {
		overlay := datastore.NewOverlay(c.backend)
		actx := c.registry.Context(userID, overlay)
		results = results[:0]
		for i, request := range requests {
			actionResults, err := c.registry.Execute(ctx, actx, request.Action, request.Data)
			if err != nil {
				return backoff.Permanent(&ActionError{Index: i, Err: err})
			}
			results = append(results, actionResults)
		}
		if err := overlay.Flush(ctx, userID); err != nil {
			if datastore.IsLocked(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxAttempts-1),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return results, nil
}
