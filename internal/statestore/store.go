// Package statestore implements the shared hierarchical state store.
//
// The store is the single durable owner of device, presence, command, and
// ephemeral-request state. Records are addressed by slash-separated paths
// (e.g. "presence/A1", "commands/A1/sms/<key>"); reading a branch assembles
// the subtree into a JSON object keyed by child segment. Every successful
// mutation is fanned out to path subscriptions, which is what drives command
// delivery and live dashboard refreshes.
package statestore

import (
	"context"
	"encoding/json"
)

// EventType classifies a change event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event describes a single leaf mutation below a watched path.
type Event struct {
	Type EventType
	// Path is the full path of the changed leaf.
	Path string
	// Key is the immediate child segment under the watched path
	// ("" when the watched path itself changed).
	Key string
	// Value is the new leaf value, nil for removals.
	Value json.RawMessage
}

// Subscription is a handle for an active watch. Close releases it; closing
// more than once is a no-op.
type Subscription interface {
	Close()
}

// Store is the path-addressed key-value store contract.
//
// Multi-path updates are independent writes with no transactional guarantee;
// callers must tolerate observing them individually.
type Store interface {
	// Get returns the leaf value at path, or the assembled subtree as a
	// JSON object keyed by child segment. An absent path yields (nil, nil).
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes or replaces the leaf at path.
	Set(ctx context.Context, path string, value any) error

	// Update shallow-merges fields into the leaf at path, creating it if
	// absent.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push appends value under path with a generated key that sorts
	// lexicographically in creation order, and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the leaf at path and everything below it.
	Delete(ctx context.Context, path string) error

	// Watch invokes fn for every change at or below path until the
	// subscription is closed.
	Watch(path string, fn func(Event)) Subscription
}
