// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		frameType byte
		payload   []byte
	}{
		{"data", FrameData, []byte("ls -la\r")},
		{"data empty", FrameData, nil},
		{"resize", FrameResize, []byte{0x01, 0x02}},
		{"history", FrameHistory, []byte{historyRaw, 'h', 'i'}},
		{"metadata", FrameMetadata, []byte("cbor")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, err := Encode(Frame{Type: tt.frameType, Payload: tt.payload})
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if message[0] != tt.frameType {
				t.Errorf("message type byte = 0x%02x, want 0x%02x", message[0], tt.frameType)
			}
			frame, err := Decode(message)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if frame.Type != tt.frameType {
				t.Errorf("decoded type = 0x%02x, want 0x%02x", frame.Type, tt.frameType)
			}
			if !bytes.Equal(frame.Payload, tt.payload) {
				t.Errorf("decoded payload = %q, want %q", frame.Payload, tt.payload)
			}
		})
	}
}

func TestEncodeRejectsInvalidType(t *testing.T) {
	for _, frameType := range []byte{0x00, 0x05, 0xff} {
		if _, err := Encode(Frame{Type: frameType}); err == nil {
			t.Errorf("Encode() with type 0x%02x succeeded, want error", frameType)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, maxFramePayload+1)
	if _, err := Encode(Frame{Type: FrameData, Payload: payload}); err == nil {
		t.Error("Encode() with oversized payload succeeded, want error")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("Decode(nil) succeeded, want error")
	}
	if _, err := Decode([]byte{}); err == nil {
		t.Error("Decode(empty) succeeded, want error")
	}
	if _, err := Decode([]byte{0x7f, 'x'}); err == nil {
		t.Error("Decode() with unknown type succeeded, want error")
	}
	oversized := make([]byte, 1+maxFramePayload+1)
	oversized[0] = FrameData
	if _, err := Decode(oversized); err == nil {
		t.Error("Decode() with oversized payload succeeded, want error")
	}
}

func TestResizeRoundTrip(t *testing.T) {
	message, err := EncodeResize(48, 190)
	if err != nil {
		t.Fatalf("EncodeResize() error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != FrameResize {
		t.Fatalf("frame type = 0x%02x, want FrameResize", frame.Type)
	}
	rows, cols, err := DecodeResize(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeResize() error: %v", err)
	}
	if rows != 48 || cols != 190 {
		t.Errorf("DecodeResize() = %dx%d, want 48x190", rows, cols)
	}
}

func TestDecodeResizeRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeResize([]byte("not cbor")); err == nil {
		t.Error("DecodeResize() with garbage succeeded, want error")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	want := MetadataPayload{
		Instance: "u-7c2f",
		Session:  "main",
		Rows:     24,
		Cols:     80,
	}
	message, err := EncodeMetadata(want)
	if err != nil {
		t.Fatalf("EncodeMetadata() error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != FrameMetadata {
		t.Fatalf("frame type = 0x%02x, want FrameMetadata", frame.Type)
	}
	got, err := DecodeMetadata(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeMetadata() error: %v", err)
	}
	if got != want {
		t.Errorf("DecodeMetadata() = %+v, want %+v", got, want)
	}
}

func TestHistorySmallDumpStaysRaw(t *testing.T) {
	dump := []byte("$ make test\nok\n")
	message, err := EncodeHistory(dump)
	if err != nil {
		t.Fatalf("EncodeHistory() error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != FrameHistory {
		t.Fatalf("frame type = 0x%02x, want FrameHistory", frame.Type)
	}
	if frame.Payload[0] != historyRaw {
		t.Errorf("compression tag = 0x%02x, want raw", frame.Payload[0])
	}
	got, err := DecodeHistory(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHistory() error: %v", err)
	}
	if !bytes.Equal(got, dump) {
		t.Errorf("DecodeHistory() = %q, want %q", got, dump)
	}
}

func TestHistoryLargeDumpCompresses(t *testing.T) {
	dump := bytes.Repeat([]byte("build: compiling module graph...\n"), 4096)
	message, err := EncodeHistory(dump)
	if err != nil {
		t.Fatalf("EncodeHistory() error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Payload[0] != historyZstd {
		t.Fatalf("compression tag = 0x%02x, want zstd", frame.Payload[0])
	}
	if len(frame.Payload) >= len(dump) {
		t.Errorf("compressed payload %d bytes, not smaller than input %d", len(frame.Payload), len(dump))
	}
	got, err := DecodeHistory(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHistory() error: %v", err)
	}
	if !bytes.Equal(got, dump) {
		t.Error("DecodeHistory() does not round-trip compressed dump")
	}
}

func TestHistoryIncompressibleDumpStaysRaw(t *testing.T) {
	dump := make([]byte, 8*1024)
	rand.New(rand.NewSource(1)).Read(dump)

	message, err := EncodeHistory(dump)
	if err != nil {
		t.Fatalf("EncodeHistory() error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Payload[0] != historyRaw {
		t.Errorf("compression tag = 0x%02x, want raw fallback", frame.Payload[0])
	}
	got, err := DecodeHistory(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHistory() error: %v", err)
	}
	if !bytes.Equal(got, dump) {
		t.Error("DecodeHistory() does not round-trip raw fallback")
	}
}

func TestDecodeHistoryRejectsMalformed(t *testing.T) {
	if _, err := DecodeHistory(nil); err == nil {
		t.Error("DecodeHistory(nil) succeeded, want error")
	}
	if _, err := DecodeHistory([]byte{0x7f, 1, 2}); err == nil {
		t.Error("DecodeHistory() with unknown tag succeeded, want error")
	}
	if _, err := DecodeHistory([]byte{historyZstd, 0xde, 0xad}); err == nil {
		t.Error("DecodeHistory() with corrupt zstd body succeeded, want error")
	}
}

func TestEncodeHistoryEmptyDump(t *testing.T) {
	message, err := EncodeHistory(nil)
	if err != nil {
		t.Fatalf("EncodeHistory(nil) error: %v", err)
	}
	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Payload[0] != historyRaw {
		t.Errorf("compression tag = 0x%02x, want raw", frame.Payload[0])
	}
	got, err := DecodeHistory(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHistory() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("DecodeHistory() = %q, want empty", got)
	}
}
