// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drives the container engine CLI (docker or any
// compatible binary). Every invocation is a structured argument
// vector handed to the subprocess layer — nothing is ever passed
// through a shell, so instance ids and paths cannot be interpolated
// into anything.
//
// The package deliberately knows nothing about instances or sessions:
// it turns method calls into argv, runs them, and parses output.
// Lifecycle policy lives in the orchestrator.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ErrImageMissing reports that the configured sandbox image does not
// exist on the host. Provisioning fails fast on it — the engine never
// builds images.
var ErrImageMissing = errors.New("sandbox image not found")

// Runner executes one engine CLI invocation. The production runner
// wraps os/exec; tests inject a scripted fake.
type Runner interface {
	// Run executes argv (argv[0] is the binary) with stdin as standard
	// input (nil for none) and returns captured stdout and stderr.
	Run(ctx context.Context, argv []string, stdin []byte) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, error) {
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// PortBinding maps one host port to one in-container port.
type PortBinding struct {
	Host      int
	Container int
}

// Limits are the fixed resource caps applied to every instance
// container.
type Limits struct {
	// MemoryBytes caps container memory.
	MemoryBytes int64
	// CPUShares is the relative CPU weight.
	CPUShares int64
	// PIDs caps the container process count.
	PIDs int64
	// StorageBytes caps ephemeral storage. Zero omits the flag (not
	// every storage driver supports it).
	StorageBytes int64
}

// ListedContainer is one row of a container listing.
type ListedContainer struct {
	// ID is the short container id.
	ID string
	// Name is the container name including the instance prefix.
	Name string
	// State is the engine's state word (running, exited, created, ...).
	State string
}

// Config configures an Engine.
type Config struct {
	// Binary is the engine CLI name or path. Required.
	Binary string
	// Runner executes invocations. Nil uses os/exec.
	Runner Runner
	// Logger receives parse warnings on best-effort paths. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// Engine invokes the container engine CLI.
type Engine struct {
	binary string
	runner Runner
	logger *slog.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{binary: cfg.Binary, runner: runner, logger: logger}
}

// run executes the engine binary with args and returns stdout. On
// failure the error carries the subcommand and trailing stderr.
func (e *Engine) run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	argv := append([]string{e.binary}, args...)
	stdout, stderr, err := e.runner.Run(ctx, argv, stdin)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w (%s)", e.binary, args[0], err, trimOutput(stderr))
	}
	return stdout, nil
}

func trimOutput(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return "no output"
	}
	return text
}

// Probe checks that the engine daemon is reachable and returns its
// reported server version.
func (e *Engine) Probe(ctx context.Context) (string, error) {
	out, err := e.run(ctx, []string{"version", "--format", "{{.Server.Version}}"}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ImageExists reports whether the image is present on the host. A
// missing image is (false, nil); only engine failures return an error.
func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	argv := append([]string{e.binary}, "image", "inspect", image)
	_, stderr, err := e.runner.Run(ctx, argv, nil)
	if err == nil {
		return true, nil
	}
	if isNoSuchImage(stderr) {
		return false, nil
	}
	return false, fmt.Errorf("%s image inspect %q: %w (%s)", e.binary, image, err, trimOutput(stderr))
}

func isNoSuchImage(stderr []byte) bool {
	text := strings.ToLower(string(stderr))
	return strings.Contains(text, "no such image") ||
		strings.Contains(text, "no such object")
}

// CreateContainer creates and starts a detached container with the
// given name, resource limits, and port bindings, running the image's
// default command. Returns the short container id.
func (e *Engine) CreateContainer(ctx context.Context, name, image string, limits Limits, ports []PortBinding) (string, error) {
	args := []string{
		"run", "-d",
		"--name", name,
		"--memory", strconv.FormatInt(limits.MemoryBytes, 10),
		"--cpu-shares", strconv.FormatInt(limits.CPUShares, 10),
		"--pids-limit", strconv.FormatInt(limits.PIDs, 10),
	}
	if limits.StorageBytes > 0 {
		args = append(args, "--storage-opt", "size="+strconv.FormatInt(limits.StorageBytes, 10))
	}
	for _, binding := range ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", binding.Host, binding.Container))
	}
	args = append(args, image)

	out, err := e.run(ctx, args, nil)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		return "", fmt.Errorf("%s run: engine returned no container id", e.binary)
	}
	return id, nil
}

// RemoveContainer force-removes a container. Removing a container that
// no longer exists is not an error.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	argv := append([]string{e.binary}, "rm", "-f", id)
	_, stderr, err := e.runner.Run(ctx, argv, nil)
	if err == nil {
		return nil
	}
	if isNoSuchContainer(stderr) {
		return nil
	}
	return fmt.Errorf("%s rm %q: %w (%s)", e.binary, id, err, trimOutput(stderr))
}

func isNoSuchContainer(stderr []byte) bool {
	text := strings.ToLower(string(stderr))
	return strings.Contains(text, "no such container") ||
		strings.Contains(text, "is not running") && strings.Contains(text, "removal")
}

// ListContainers lists containers whose names start with prefix. With
// all set, stopped containers are included. Unparseable listing lines
// are skipped with a warning — the listing is a reconciliation input
// and one bad row must not hide the rest.
func (e *Engine) ListContainers(ctx context.Context, prefix string, all bool) ([]ListedContainer, error) {
	args := []string{"ps"}
	if all {
		args = append(args, "-a")
	}
	args = append(args,
		"--filter", "name=^"+prefix,
		"--format", "{{.ID}}\t{{.Names}}\t{{.State}}",
	)
	out, err := e.run(ctx, args, nil)
	if err != nil {
		return nil, err
	}

	var containers []ListedContainer
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" {
			e.logger.Warn("skipping unparseable container listing line", "line", line)
			continue
		}
		containers = append(containers, ListedContainer{
			ID:    fields[0],
			Name:  fields[1],
			State: fields[2],
		})
	}
	return containers, nil
}

// Ports returns the container's published-port map keyed by container
// port. Lines that do not parse are skipped; IPv4 and IPv6 rows for
// the same port collapse onto one entry.
func (e *Engine) Ports(ctx context.Context, id string) (map[int]int, error) {
	out, err := e.run(ctx, []string{"port", id}, nil)
	if err != nil {
		return nil, err
	}

	ports := make(map[int]int)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		containerPort, hostPort, ok := parsePortLine(line)
		if !ok {
			e.logger.Warn("skipping unparseable port mapping line", "container", id, "line", line)
			continue
		}
		ports[containerPort] = hostPort
	}
	return ports, nil
}

// parsePortLine parses one engine port mapping line of the form
// "9222/tcp -> 0.0.0.0:49321" (or an [::] IPv6 address).
func parsePortLine(line string) (containerPort, hostPort int, ok bool) {
	left, right, found := strings.Cut(line, " -> ")
	if !found {
		return 0, 0, false
	}
	portText, _, found := strings.Cut(left, "/")
	if !found {
		return 0, 0, false
	}
	containerPort, err := strconv.Atoi(portText)
	if err != nil {
		return 0, 0, false
	}
	separator := strings.LastIndex(right, ":")
	if separator < 0 || separator == len(right)-1 {
		return 0, 0, false
	}
	hostPort, err = strconv.Atoi(right[separator+1:])
	if err != nil {
		return 0, 0, false
	}
	return containerPort, hostPort, true
}

// InspectStatus returns the engine's status word for a container
// (running, exited, created, restarting, paused, dead).
func (e *Engine) InspectStatus(ctx context.Context, id string) (string, error) {
	out, err := e.run(ctx, []string{"inspect", "-f", "{{.State.Status}}", id}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Exec runs argv inside the container and returns its stdout. A
// non-nil stdin is wired to the process (and enables the engine's
// stdin forwarding).
func (e *Engine) Exec(ctx context.Context, id string, argv []string, stdin []byte) ([]byte, error) {
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, id)
	args = append(args, argv...)

	out, err := e.run(ctx, args, stdin)
	if err != nil {
		return nil, fmt.Errorf("exec %v in %q: %w", argv, id, err)
	}
	return out, nil
}

// AttachArgv returns the full host argv (binary included) for an
// interactive TTY exec into the container. The terminal session spawns
// this under a PTY rather than through the Runner, which only handles
// run-to-completion invocations.
func (e *Engine) AttachArgv(id string, argv ...string) []string {
	full := []string{e.binary, "exec", "-it", id}
	return append(full, argv...)
}

// Stats returns a non-streaming resource snapshot for the container.
func (e *Engine) Stats(ctx context.Context, id string) (*Stats, error) {
	out, err := e.run(ctx, []string{"stats", "--no-stream", "--format", "{{json .}}", id}, nil)
	if err != nil {
		return nil, err
	}
	return parseStats(bytes.TrimSpace(out))
}

// statsRow is the engine's JSON stats row. All values arrive as
// human-formatted strings.
type statsRow struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
	PIDs     string `json:"PIDs"`
}

func parseStats(data []byte) (*Stats, error) {
	var row statsRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("parsing stats row: %w", err)
	}

	cpu, err := parsePercent(row.CPUPerc)
	if err != nil {
		return nil, fmt.Errorf("parsing CPU percent %q: %w", row.CPUPerc, err)
	}
	memoryUsed, memoryLimit, err := parsePair(row.MemUsage)
	if err != nil {
		return nil, fmt.Errorf("parsing memory usage %q: %w", row.MemUsage, err)
	}
	networkRx, networkTx, err := parsePair(row.NetIO)
	if err != nil {
		return nil, fmt.Errorf("parsing network io %q: %w", row.NetIO, err)
	}
	pids, err := strconv.Atoi(strings.TrimSpace(row.PIDs))
	if err != nil {
		return nil, fmt.Errorf("parsing pid count %q: %w", row.PIDs, err)
	}

	return &Stats{
		CPUPercent:       cpu,
		MemoryUsedBytes:  memoryUsed,
		MemoryLimitBytes: memoryLimit,
		NetworkRxBytes:   networkRx,
		NetworkTxBytes:   networkTx,
		PIDs:             pids,
	}, nil
}

// parsePair parses a "used / limit" stats value into two byte counts.
func parsePair(text string) (int64, int64, error) {
	left, right, found := strings.Cut(text, " / ")
	if !found {
		return 0, 0, fmt.Errorf("missing separator")
	}
	first, err := ParseSize(left)
	if err != nil {
		return 0, 0, err
	}
	second, err := ParseSize(right)
	if err != nil {
		return 0, 0, err
	}
	return first, second, nil
}

func parsePercent(text string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(text), "%"), 64)
}
