// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

// Instance lifecycle composition: each mutation walks the orchestrator,
// both session managers, and the terminal manager in a fixed order so a
// session never outlives the container it proxies into. All mutations
// hold lifecycleMu — the orchestrator serializes provisioning
// internally, but the session/container coordination around it is the
// daemon's to order.

import (
	"context"
	"fmt"
	"os"

	"github.com/bureau-foundation/annex/lib/statefile"
	"github.com/bureau-foundation/annex/orchestrator"
)

// createInstance provisions a container for the instance and runs the
// bounded initial connect for both control sessions against its fresh
// host ports. A container whose services never answer is not a usable
// instance: session attach failure unwinds the create entirely.
func (d *Daemon) createInstance(ctx context.Context, instanceID string) (*orchestrator.ContainerRecord, error) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	record, err := d.orchestrator.Create(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := d.attachSessions(ctx, instanceID, record.Ports); err != nil {
		d.browsers.Destroy(instanceID)
		d.agents.Destroy(instanceID)
		if destroyErr := d.orchestrator.Destroy(ctx, instanceID); destroyErr != nil {
			d.logger.Warn("unwinding failed create",
				"instance", instanceID, "error", destroyErr)
		}
		return nil, fmt.Errorf("instance %q sessions: %w", instanceID, err)
	}
	d.writeSnapshot()
	return record, nil
}

// rebootInstance replaces the instance's container and rolls both
// control sessions onto the fresh ports. Session replacement carries
// registered callbacks over. Terminal attachments are closed instead:
// their in-container processes died with the old container, and viewers
// re-attach to the new one.
//
// A session that fails to re-establish degrades with a warning rather
// than unwinding the reboot — the new container is up, and a later
// reboot can recover the session.
func (d *Daemon) rebootInstance(ctx context.Context, instanceID string) (*orchestrator.ContainerRecord, error) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	record, err := d.orchestrator.Reboot(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := d.browsers.CreateOrReplace(ctx, instanceID, record.Ports.Browser); err != nil {
		d.logger.Warn("browser session not re-established after reboot",
			"instance", instanceID, "error", err)
	}
	if err := d.agents.CreateOrReplace(ctx, instanceID, record.Ports.Agent); err != nil {
		d.logger.Warn("agent session not re-established after reboot",
			"instance", instanceID, "error", err)
	}
	d.terminals.DestroyInstance(instanceID)
	d.writeSnapshot()
	return record, nil
}

// destroyInstance tears down the instance's sessions and terminal
// attachments first, then the container, so nothing proxies into a
// container mid-removal.
func (d *Daemon) destroyInstance(ctx context.Context, instanceID string) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.browsers.Destroy(instanceID)
	d.agents.Destroy(instanceID)
	d.terminals.DestroyInstance(instanceID)
	if err := d.orchestrator.Destroy(ctx, instanceID); err != nil {
		return err
	}
	d.writeSnapshot()
	return nil
}

// adoptExisting reconciles engine state with an empty daemon: every
// running sandbox container is adopted, every other prefix-named
// container is removed as an orphan, and control sessions are
// re-attached best effort. Returns the number of instances adopted.
//
// A failed discovery skips the orphan sweep too — the sweep removes
// everything not in the adopted set, so it only runs against a listing
// that actually succeeded.
func (d *Daemon) adoptExisting(ctx context.Context) int {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	discovered, err := d.orchestrator.DiscoverRunning(ctx)
	if err != nil {
		d.logger.Warn("discovery failed, skipping adoption and orphan sweep", "error", err)
		return 0
	}

	known := make(map[string]bool, len(discovered))
	for _, found := range discovered {
		d.orchestrator.Adopt(found.InstanceID, found.ContainerID, found.Ports)
		known[found.InstanceID] = true
	}
	d.orchestrator.CleanupOrphans(ctx, known)

	for _, found := range discovered {
		if err := d.attachSessions(ctx, found.InstanceID, found.Ports); err != nil {
			d.logger.Warn("sessions not re-attached for adopted instance",
				"instance", found.InstanceID, "error", err)
		}
	}
	return len(discovered)
}

// attachSessions runs the bounded initial connect for both control
// sessions. Callers decide whether failure unwinds (create) or degrades
// (adoption).
func (d *Daemon) attachSessions(ctx context.Context, instanceID string, ports orchestrator.Ports) error {
	if err := d.browsers.Attach(ctx, instanceID, ports.Browser); err != nil {
		return fmt.Errorf("browser session: %w", err)
	}
	if err := d.agents.Attach(ctx, instanceID, ports.Agent); err != nil {
		return fmt.Errorf("agent session: %w", err)
	}
	return nil
}

// writeSnapshot persists the current instance table to the configured
// state file. Disabled when no state file is configured. Failures log
// and degrade: the snapshot is an operator aid, the engine is the
// source of truth.
func (d *Daemon) writeSnapshot() {
	if d.cfg.StateFile == "" {
		return
	}
	snapshot := statefile.Snapshot{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		WrittenAt: d.clock.Now(),
		NextPort:  d.allocator.Next(),
	}
	for _, instanceID := range d.orchestrator.Instances() {
		record, ok := d.orchestrator.Record(instanceID)
		if !ok {
			continue
		}
		snapshot.Instances = append(snapshot.Instances, statefile.Instance{
			ID:          record.InstanceID,
			ContainerID: record.ContainerID,
			Status:      string(record.Status),
			AppPort:     record.Ports.App,
			BrowserPort: record.Ports.Browser,
			AgentPort:   record.Ports.Agent,
			CreatedAt:   record.CreatedAt,
		})
	}
	if err := statefile.Write(d.cfg.StateFile, snapshot); err != nil {
		d.logger.Warn("state snapshot not written",
			"path", d.cfg.StateFile, "error", err)
	}
}
