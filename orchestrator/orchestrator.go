// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator owns the instance lifecycle: creating,
// discovering, adopting, rebooting, and destroying the one sandbox
// container each user owns, plus the host port triples that back them.
//
// Provisioning is serialized internally so a reserved port triple is
// either committed by a successful engine create or released
// untouched. Operations against a single instanceID are the caller's
// to serialize: the orchestrator does not arbitrate concurrent
// Create/Reboot/Destroy calls on one id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/annex/engine"
	"github.com/bureau-foundation/annex/lib/clock"
)

var (
	// ErrInstanceNotFound reports an instanceID with no live record.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists reports a create for an instanceID that already
	// has a live record.
	ErrInstanceExists = errors.New("instance already exists")
)

// ProvisionError reports a failed provisioning attempt. It wraps the
// underlying cause, so errors.Is sees engine.ErrImageMissing through
// it.
type ProvisionError struct {
	InstanceID string
	Err        error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning instance %q: %v", e.InstanceID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// InstanceStatus is a container record's lifecycle state. Records move
// creating → running → {stopped, error}; a reboot destroys the old
// record and runs a fresh creating → running under the same
// instanceID.
type InstanceStatus string

const (
	StatusCreating InstanceStatus = "creating"
	StatusRunning  InstanceStatus = "running"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

// ContainerRecord is the in-memory state for one instance's container.
// At most one record exists per instanceID, and its three host ports
// are distinct from every other live record's.
type ContainerRecord struct {
	InstanceID  string
	ContainerID string
	Status      InstanceStatus
	Ports       Ports
	CreatedAt   time.Time
}

func (r *ContainerRecord) clone() *ContainerRecord {
	snapshot := *r
	return &snapshot
}

// Discovered is one engine-visible sandbox container found by
// DiscoverRunning.
type Discovered struct {
	InstanceID  string
	ContainerID string
	Ports       Ports
}

// InstanceStats is a point-in-time resource snapshot for one instance.
type InstanceStats struct {
	CPUPercent       float64
	MemoryUsedBytes  int64
	MemoryLimitBytes int64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
	PIDs             int
	Uptime           time.Duration
}

// Config configures an Orchestrator.
type Config struct {
	// Engine invokes the container engine CLI. Required.
	Engine *engine.Engine

	// Allocator hands out host port triples. Required.
	Allocator *Allocator

	// Image is the sandbox container image. The orchestrator never
	// builds it; a missing image fails provisioning fast.
	Image string

	// Prefix is prepended to the instanceID to form the container
	// name. It anchors discovery and orphan matching.
	Prefix string

	// Limits are the fixed resource caps applied to every instance
	// container.
	Limits engine.Limits

	// Internal are the fixed in-container service ports the host
	// triple maps onto.
	Internal Ports

	// AgentConfigPath is the in-container agent configuration file
	// carried across reboots.
	AgentConfigPath string

	// AgentRestartCommand is the in-container argv that restarts the
	// agent process after a config restore.
	AgentRestartCommand []string

	// Clock provides time. Nil uses the system clock.
	Clock clock.Clock

	// Logger receives lifecycle and best-effort-failure logs. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// Orchestrator manages instance containers and their records.
type Orchestrator struct {
	engine    *engine.Engine
	allocator *Allocator
	clock     clock.Clock
	logger    *slog.Logger

	image    string
	prefix   string
	limits   engine.Limits
	internal Ports

	agentConfigPath     string
	agentRestartCommand []string

	// provisionMu serializes reserve → engine create → commit, keeping
	// committed triples from ever overlapping.
	provisionMu sync.Mutex

	mu      sync.Mutex
	records map[string]*ContainerRecord
}

// New creates an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox image is required")
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("container name prefix is required")
	}
	if cfg.Internal.App == 0 || cfg.Internal.Browser == 0 || cfg.Internal.Agent == 0 {
		return nil, fmt.Errorf("all three internal service ports are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:              cfg.Engine,
		allocator:           cfg.Allocator,
		clock:               clk,
		logger:              logger,
		image:               cfg.Image,
		prefix:              cfg.Prefix,
		limits:              cfg.Limits,
		internal:            cfg.Internal,
		agentConfigPath:     cfg.AgentConfigPath,
		agentRestartCommand: cfg.AgentRestartCommand,
		records:             make(map[string]*ContainerRecord),
	}, nil
}

// Create provisions a fresh container for instanceID: reserves the
// next port triple, runs the engine create with the fixed limits and
// the three internal-port bindings, and only on success commits the
// triple and stores a running record. A failed create leaves the port
// counter exactly where it was and stores nothing.
func (o *Orchestrator) Create(ctx context.Context, instanceID string) (*ContainerRecord, error) {
	if instanceID == "" {
		return nil, &ProvisionError{InstanceID: instanceID, Err: errors.New("empty instance id")}
	}
	o.mu.Lock()
	_, exists := o.records[instanceID]
	o.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("instance %q: %w", instanceID, ErrInstanceExists)
	}

	present, err := o.engine.ImageExists(ctx, o.image)
	if err != nil {
		return nil, &ProvisionError{InstanceID: instanceID, Err: err}
	}
	if !present {
		return nil, &ProvisionError{
			InstanceID: instanceID,
			Err:        fmt.Errorf("image %q: %w", o.image, engine.ErrImageMissing),
		}
	}

	o.provisionMu.Lock()
	defer o.provisionMu.Unlock()

	ports := o.allocator.Reserve()
	bindings := []engine.PortBinding{
		{Host: ports.App, Container: o.internal.App},
		{Host: ports.Browser, Container: o.internal.Browser},
		{Host: ports.Agent, Container: o.internal.Agent},
	}
	containerID, err := o.engine.CreateContainer(ctx, o.prefix+instanceID, o.image, o.limits, bindings)
	if err != nil {
		return nil, &ProvisionError{InstanceID: instanceID, Err: err}
	}
	o.allocator.Commit(ports)

	record := &ContainerRecord{
		InstanceID:  instanceID,
		ContainerID: containerID,
		Status:      StatusRunning,
		Ports:       ports,
		CreatedAt:   o.clock.Now(),
	}
	o.mu.Lock()
	o.records[instanceID] = record
	o.mu.Unlock()

	o.logger.Info("instance created",
		"instance", instanceID,
		"container", containerID,
		"app_port", ports.App,
		"browser_port", ports.Browser,
		"agent_port", ports.Agent)
	return record.clone(), nil
}

// DiscoverRunning lists engine-visible running containers carrying the
// instance name prefix and returns the ones whose published-port map
// includes BOTH internal service ports (browser-control and
// agent-control). The two sentinels are what distinguishes a genuine
// sandbox from a naming collision. Containers whose ports cannot be
// read or that lack a sentinel are skipped with a warning.
func (o *Orchestrator) DiscoverRunning(ctx context.Context) ([]Discovered, error) {
	containers, err := o.engine.ListContainers(ctx, o.prefix, false)
	if err != nil {
		return nil, fmt.Errorf("listing instance containers: %w", err)
	}

	var discovered []Discovered
	for _, container := range containers {
		instanceID := strings.TrimPrefix(container.Name, o.prefix)
		if instanceID == container.Name || instanceID == "" {
			o.logger.Warn("skipping container with unexpected name",
				"container", container.ID, "name", container.Name)
			continue
		}
		ports, err := o.engine.Ports(ctx, container.ID)
		if err != nil {
			o.logger.Warn("skipping container with unreadable port map",
				"container", container.ID, "name", container.Name, "error", err)
			continue
		}
		browser, browserBound := ports[o.internal.Browser]
		agent, agentBound := ports[o.internal.Agent]
		if !browserBound || !agentBound {
			o.logger.Warn("skipping container without sandbox port signature",
				"container", container.ID, "name", container.Name)
			continue
		}
		discovered = append(discovered, Discovered{
			InstanceID:  instanceID,
			ContainerID: container.ID,
			Ports:       Ports{App: ports[o.internal.App], Browser: browser, Agent: agent},
		})
	}
	return discovered, nil
}

// Adopt stores a running record for a container that outlived a daemon
// restart and raises the allocator floor past its highest port, so the
// allocator cannot reissue a port the container still binds. Uptime
// for adopted instances is measured from adoption.
func (o *Orchestrator) Adopt(instanceID, containerID string, ports Ports) {
	record := &ContainerRecord{
		InstanceID:  instanceID,
		ContainerID: containerID,
		Status:      StatusRunning,
		Ports:       ports,
		CreatedAt:   o.clock.Now(),
	}
	o.mu.Lock()
	o.records[instanceID] = record
	o.mu.Unlock()
	o.allocator.Floor(ports.Max())

	o.logger.Info("instance adopted",
		"instance", instanceID,
		"container", containerID,
		"app_port", ports.App,
		"browser_port", ports.Browser,
		"agent_port", ports.Agent)
}

// CleanupOrphans force-removes every prefix-named container (running
// or stopped) whose derived instanceID is not in known. It is a
// crash-recovery safety net: every failure is logged and swallowed.
// Returns the names of the containers actually removed.
func (o *Orchestrator) CleanupOrphans(ctx context.Context, known map[string]bool) []string {
	containers, err := o.engine.ListContainers(ctx, o.prefix, true)
	if err != nil {
		o.logger.Warn("orphan sweep could not list containers", "error", err)
		return nil
	}

	var removed []string
	for _, container := range containers {
		instanceID := strings.TrimPrefix(container.Name, o.prefix)
		if known[instanceID] {
			continue
		}
		if err := o.engine.RemoveContainer(ctx, container.ID); err != nil {
			o.logger.Warn("orphan container not removed",
				"container", container.ID, "name", container.Name, "error", err)
			continue
		}
		o.logger.Info("orphan container removed",
			"container", container.ID, "name", container.Name)
		removed = append(removed, container.Name)
	}
	return removed
}

// Reboot tears the instance's container down and provisions a fresh
// one under the same instanceID. The in-container agent configuration
// is captured best-effort beforehand and, when captured, written
// verbatim into the new container followed by the agent restart
// command. A failed capture or restore degrades to defaults with a
// warning; the new record is returned regardless.
func (o *Orchestrator) Reboot(ctx context.Context, instanceID string) (*ContainerRecord, error) {
	o.mu.Lock()
	record, ok := o.records[instanceID]
	var containerID string
	if ok {
		containerID = record.ContainerID
	}
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", instanceID, ErrInstanceNotFound)
	}

	var configText []byte
	out, err := o.engine.Exec(ctx, containerID, []string{"cat", o.agentConfigPath}, nil)
	if err != nil {
		o.logger.Warn("agent config not captured before reboot",
			"instance", instanceID, "error", err)
	} else {
		configText = out
	}

	if err := o.Destroy(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("rebooting instance %q: %w", instanceID, err)
	}
	fresh, err := o.Create(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("rebooting instance %q: %w", instanceID, err)
	}

	if len(configText) > 0 {
		if err := o.restoreAgentConfig(ctx, fresh.ContainerID, configText); err != nil {
			o.logger.Warn("agent config not restored after reboot",
				"instance", instanceID, "container", fresh.ContainerID, "error", err)
		}
	}
	o.logger.Info("instance rebooted",
		"instance", instanceID, "container", fresh.ContainerID)
	return fresh, nil
}

func (o *Orchestrator) restoreAgentConfig(ctx context.Context, containerID string, config []byte) error {
	if _, err := o.engine.Exec(ctx, containerID, []string{"tee", o.agentConfigPath}, config); err != nil {
		return err
	}
	if len(o.agentRestartCommand) == 0 {
		return nil
	}
	if _, err := o.engine.Exec(ctx, containerID, o.agentRestartCommand, nil); err != nil {
		return err
	}
	return nil
}

// Destroy force-removes the instance's container. The in-memory record
// is deleted before the engine call and stays deleted even when the
// remove fails: engine-side trouble must never wedge record state. The
// only error returned is ErrInstanceNotFound.
func (o *Orchestrator) Destroy(ctx context.Context, instanceID string) error {
	o.mu.Lock()
	record, ok := o.records[instanceID]
	if ok {
		delete(o.records, instanceID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %q: %w", instanceID, ErrInstanceNotFound)
	}

	if err := o.engine.RemoveContainer(ctx, record.ContainerID); err != nil {
		o.logger.Warn("container not removed on destroy",
			"instance", instanceID, "container", record.ContainerID, "error", err)
		return nil
	}
	o.logger.Info("instance destroyed",
		"instance", instanceID, "container", record.ContainerID)
	return nil
}

// LiveStats queries the engine for a non-streaming resource snapshot
// and derives uptime from the record's creation time. This is a
// monitoring path: any failure — unknown instance, engine error, parse
// error — logs a warning and returns nil, never an error.
func (o *Orchestrator) LiveStats(ctx context.Context, instanceID string) *InstanceStats {
	o.mu.Lock()
	record, ok := o.records[instanceID]
	var containerID string
	var created time.Time
	if ok {
		containerID = record.ContainerID
		created = record.CreatedAt
	}
	o.mu.Unlock()
	if !ok {
		o.logger.Warn("stats requested for unknown instance", "instance", instanceID)
		return nil
	}

	stats, err := o.engine.Stats(ctx, containerID)
	if err != nil {
		o.logger.Warn("instance stats unavailable",
			"instance", instanceID, "container", containerID, "error", err)
		return nil
	}
	return &InstanceStats{
		CPUPercent:       stats.CPUPercent,
		MemoryUsedBytes:  stats.MemoryUsedBytes,
		MemoryLimitBytes: stats.MemoryLimitBytes,
		NetworkRxBytes:   stats.NetworkRxBytes,
		NetworkTxBytes:   stats.NetworkTxBytes,
		PIDs:             stats.PIDs,
		Uptime:           o.clock.Now().Sub(created),
	}
}

// SyncStatus asks the engine for the container's current state word
// and folds it onto the record state machine, updating the stored
// record. Unknown state words map to StatusError.
func (o *Orchestrator) SyncStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	o.mu.Lock()
	record, ok := o.records[instanceID]
	var containerID string
	if ok {
		containerID = record.ContainerID
	}
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("instance %q: %w", instanceID, ErrInstanceNotFound)
	}

	word, err := o.engine.InspectStatus(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspecting instance %q: %w", instanceID, err)
	}
	status := statusFromEngine(word)

	o.mu.Lock()
	if record, ok := o.records[instanceID]; ok {
		record.Status = status
	}
	o.mu.Unlock()
	return status, nil
}

// statusFromEngine maps an engine state word onto the record state
// machine.
func statusFromEngine(word string) InstanceStatus {
	switch word {
	case "running":
		return StatusRunning
	case "created", "restarting":
		return StatusCreating
	case "exited", "paused":
		return StatusStopped
	default:
		return StatusError
	}
}

// Record returns a snapshot copy of the instance's record.
func (o *Orchestrator) Record(instanceID string) (*ContainerRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	record, ok := o.records[instanceID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// ContainerID returns the engine container id backing instanceID. It
// satisfies the resolver contract of the workspace file surface.
func (o *Orchestrator) ContainerID(instanceID string) (string, error) {
	record, ok := o.Record(instanceID)
	if !ok {
		return "", fmt.Errorf("instance %q: %w", instanceID, ErrInstanceNotFound)
	}
	return record.ContainerID, nil
}

// Instances returns the live instanceIDs in sorted order.
func (o *Orchestrator) Instances() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.records))
	for id := range o.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
