package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/statestore"
)

type snapshotEnvelope struct {
	Type  Type            `json:"type"`
	State json.RawMessage `json:"state"`
}

// MarshalSnapshot returns the scheduler's snapshot tagged with its type.
func MarshalSnapshot(s Scheduler) ([]byte, error) {
	state, err := s.Snapshot()
	if err != nil {
		return nil, errors.Wrapf(err, "snapshotting %s scheduler", s.Type())
	}
	return json.Marshal(snapshotEnvelope{Type: s.Type(), State: state})
}

// UnmarshalSnapshot restores s from data written by MarshalSnapshot for the same variant.
func UnmarshalSnapshot(s Scheduler, data []byte) error {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "decoding scheduler snapshot")
	}
	if env.Type != s.Type() {
		return errors.Errorf("cannot restore a %s snapshot into a %s scheduler", env.Type, s.Type())
	}
	return s.Restore(env.State)
}

// Save writes the scheduler's snapshot to store under key.
func Save(ctx context.Context, s Scheduler, store statestore.Store, key string) error {
	data, err := MarshalSnapshot(s)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

// Load restores the scheduler from the snapshot stored under key. A missing snapshot is
// reported as statestore.ErrNotFound.
func Load(ctx context.Context, s Scheduler, store statestore.Store, key string) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	return UnmarshalSnapshot(s, data)
}

// SaveFile writes the scheduler's snapshot to path.
func SaveFile(s Scheduler, path string) error {
	store := statestore.NewFileStore(statestore.FileConfig{Dir: filepath.Dir(path)})
	return Save(context.Background(), s, store, filepath.Base(path))
}

// RestoreFile restores the scheduler from the snapshot at path.
func RestoreFile(s Scheduler, path string) error {
	store := statestore.NewFileStore(statestore.FileConfig{Dir: filepath.Dir(path)})
	return Load(context.Background(), s, store, filepath.Base(path))
}
