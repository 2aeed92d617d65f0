// Package model holds the small value types shared across the scheduler packages.
package model

import "encoding/json"

// Snapshotter is any object that implements how to save and restore its state.
type Snapshotter interface {
	Snapshot() (json.RawMessage, error)
	Restore(json.RawMessage) error
}
