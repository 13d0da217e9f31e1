// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Stats is one non-streaming resource snapshot for a container,
// parsed from the engine's human-formatted stats row.
type Stats struct {
	CPUPercent       float64
	MemoryUsedBytes  int64
	MemoryLimitBytes int64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
	PIDs             int
}

// sizeSuffixes maps the engine's human-readable unit suffixes to byte
// multipliers: decimal units for network counters, binary units for
// memory. Probed longest-suffix-first so "MiB" never matches as "B".
var sizeSuffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"TiB", 1 << 40},
	{"PiB", 1 << 50},
	{"kB", 1e3},
	{"KB", 1e3},
	{"MB", 1e6},
	{"GB", 1e9},
	{"TB", 1e12},
	{"PB", 1e15},
	{"B", 1},
}

// ParseSize converts an engine-formatted size string ("121MiB",
// "1.3kB", "0B", bare "42") to bytes.
func ParseSize(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("empty size")
	}

	number := text
	multiplier := 1.0
	for _, entry := range sizeSuffixes {
		if strings.HasSuffix(text, entry.suffix) {
			number = strings.TrimSpace(strings.TrimSuffix(text, entry.suffix))
			multiplier = entry.multiplier
			break
		}
	}
	if number == "" {
		return 0, fmt.Errorf("size %q has no numeric part", text)
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", text, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size %q is negative", text)
	}
	return int64(value * multiplier), nil
}
