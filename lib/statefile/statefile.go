// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists the daemon's runtime snapshot: which
// instances are live, their containers and ports, and the allocator
// floor. The daemon rewrites it after every lifecycle mutation so an
// operator (or a post-crash inspection) can see what the daemon
// believed without querying the engine.
//
// The snapshot is advisory. Startup reconciliation always trusts the
// engine (discovery and adoption), never this file.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the daemon's view of its managed instances at one moment.
type Snapshot struct {
	// PID of the daemon that wrote the snapshot.
	PID int `json:"pid"`

	// StartedAt is when that daemon process started.
	StartedAt time.Time `json:"started_at"`

	// WrittenAt is when the snapshot was written. Stale snapshots are
	// detected by comparing WrittenAt against a freshness window.
	WrittenAt time.Time `json:"written_at"`

	// NextPort is the port allocator's counter at write time.
	NextPort int `json:"next_port"`

	// Instances lists the live instances.
	Instances []Instance `json:"instances"`
}

// Instance is one live instance in a snapshot.
type Instance struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"container_id"`
	Status      string    `json:"status"`
	AppPort     int       `json:"app_port"`
	BrowserPort int       `json:"browser_port"`
	AgentPort   int       `json:"agent_port"`
	CreatedAt   time.Time `json:"created_at"`
}

// Write atomically replaces the snapshot file: write to a temporary
// file in the same directory, fsync, rename into place, then sync the
// directory so the rename survives power loss. Readers never observe a
// partial snapshot. The file is created with mode 0600; the parent
// directory must exist.
func Write(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Read parses a snapshot file. A missing file returns an error wrapping
// os.ErrNotExist (testable with errors.Is).
func Read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("parsing snapshot file %s: %w", path, err)
	}
	return snapshot, nil
}

// Fresh reads a snapshot and reports whether it was written within
// maxAge. A missing file is (zero, false, nil); a corrupt or unreadable
// file returns its error so callers can distinguish "no snapshot" from
// "snapshot exists but unreadable".
func Fresh(path string, maxAge time.Duration) (Snapshot, bool, error) {
	snapshot, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	if time.Since(snapshot.WrittenAt) > maxAge {
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Clear removes the snapshot file. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot file: %w", err)
	}
	return nil
}
