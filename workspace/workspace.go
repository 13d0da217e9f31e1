// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace exposes file primitives inside an instance's
// container to external collaborators: reads, writes, listings, and
// tree operations under the workspace root, plus content digests for
// change detection. Every operation is a structured-argv engine exec;
// nothing is mounted on the host.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bureau-foundation/annex/engine"
)

// DefaultRoot is the in-container directory all workspace paths
// resolve under.
const DefaultRoot = "/workspace"

// ErrPathEscapes reports a path that resolves outside the workspace
// root.
var ErrPathEscapes = errors.New("path escapes workspace root")

// Resolver maps an instance id to its live engine container id. The
// orchestrator's record store implements it; the indirection keeps
// this package off the orchestrator.
type Resolver interface {
	ContainerID(instanceID string) (string, error)
}

// Config assembles a Workspace.
type Config struct {
	// Engine drives the container CLI. Required.
	Engine *engine.Engine

	// Resolver maps instance ids to container ids. Required.
	Resolver Resolver

	// Root is the in-container workspace directory. Empty uses
	// DefaultRoot.
	Root string

	// Logger receives operation logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Workspace performs file operations inside instance containers.
type Workspace struct {
	engine   *engine.Engine
	resolver Resolver
	root     string
	logger   *slog.Logger
}

// New creates a Workspace from cfg.
func New(cfg Config) (*Workspace, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("workspace: engine is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("workspace: resolver is required")
	}
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	root = path.Clean(root)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		engine:   cfg.Engine,
		resolver: cfg.Resolver,
		root:     root,
		logger:   logger,
	}, nil
}

// ReadFile returns the content of the file at relative inside the
// instance's workspace.
func (w *Workspace) ReadFile(ctx context.Context, instanceID, relative string) ([]byte, error) {
	containerID, absolute, err := w.resolve(instanceID, relative)
	if err != nil {
		return nil, err
	}
	out, err := w.engine.Exec(ctx, containerID, []string{"cat", "--", absolute}, nil)
	if err != nil {
		return nil, fmt.Errorf("reading %q on instance %q: %w", relative, instanceID, err)
	}
	return out, nil
}

// WriteFile replaces the content of the file at relative, creating it
// if absent. Parent directories must already exist.
func (w *Workspace) WriteFile(ctx context.Context, instanceID, relative string, data []byte) error {
	containerID, absolute, err := w.resolve(instanceID, relative)
	if err != nil {
		return err
	}
	// tee echoes stdin back; the copy on stdout is discarded.
	if _, err := w.engine.Exec(ctx, containerID, []string{"tee", "--", absolute}, data); err != nil {
		return fmt.Errorf("writing %q on instance %q: %w", relative, instanceID, err)
	}
	return nil
}

// ListDir returns the entry names of the directory at relative,
// dotfiles included.
func (w *Workspace) ListDir(ctx context.Context, instanceID, relative string) ([]string, error) {
	containerID, absolute, err := w.resolve(instanceID, relative)
	if err != nil {
		return nil, err
	}
	out, err := w.engine.Exec(ctx, containerID, []string{"ls", "-1A", "--", absolute}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %q on instance %q: %w", relative, instanceID, err)
	}
	var entries []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Mkdir creates the directory at relative, parents included.
func (w *Workspace) Mkdir(ctx context.Context, instanceID, relative string) error {
	containerID, absolute, err := w.resolve(instanceID, relative)
	if err != nil {
		return err
	}
	if _, err := w.engine.Exec(ctx, containerID, []string{"mkdir", "-p", "--", absolute}, nil); err != nil {
		return fmt.Errorf("creating directory %q on instance %q: %w", relative, instanceID, err)
	}
	return nil
}

// Remove deletes the file or directory tree at relative. Removing an
// absent path succeeds.
func (w *Workspace) Remove(ctx context.Context, instanceID, relative string) error {
	containerID, absolute, err := w.resolve(instanceID, relative)
	if err != nil {
		return err
	}
	if _, err := w.engine.Exec(ctx, containerID, []string{"rm", "-rf", "--", absolute}, nil); err != nil {
		return fmt.Errorf("removing %q on instance %q: %w", relative, instanceID, err)
	}
	return nil
}

// Rename moves the file or directory at oldPath to newPath. Both paths
// resolve under the workspace root.
func (w *Workspace) Rename(ctx context.Context, instanceID, oldPath, newPath string) error {
	containerID, oldAbsolute, err := w.resolve(instanceID, oldPath)
	if err != nil {
		return err
	}
	newAbsolute, err := w.absPath(newPath)
	if err != nil {
		return err
	}
	if _, err := w.engine.Exec(ctx, containerID, []string{"mv", "--", oldAbsolute, newAbsolute}, nil); err != nil {
		return fmt.Errorf("renaming %q to %q on instance %q: %w", oldPath, newPath, instanceID, err)
	}
	return nil
}

func (w *Workspace) resolve(instanceID, relative string) (containerID, absolute string, err error) {
	absolute, err = w.absPath(relative)
	if err != nil {
		return "", "", err
	}
	containerID, err = w.resolver.ContainerID(instanceID)
	if err != nil {
		return "", "", fmt.Errorf("resolving instance %q: %w", instanceID, err)
	}
	return containerID, absolute, nil
}

// absPath resolves relative against the workspace root. Anything that
// cleans to a path outside the root is rejected; a leading slash reads
// as root-relative, not host-absolute.
func (w *Workspace) absPath(relative string) (string, error) {
	joined := path.Join(w.root, relative)
	if joined != w.root && !strings.HasPrefix(joined, w.root+"/") {
		return "", fmt.Errorf("path %q: %w", relative, ErrPathEscapes)
	}
	return joined, nil
}
