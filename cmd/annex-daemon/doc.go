// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Annex-daemon is the host-side sandbox supervisor. It drives the
// container engine CLI to provision one sandbox instance per user,
// holds each instance's browser-control and agent-control sessions,
// shares one terminal session per instance among any number of
// viewers, and serves the control listener with the health and
// terminal-attach endpoints.
package main
