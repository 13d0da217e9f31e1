// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal gives external viewers live access to an instance's
// in-container terminal. Every attachment spawns its own engine exec
// joining the container's shared tmux session under a local PTY, so
// all viewers and the automation agent see and drive the same screen.
//
// The package is organized around the attachment data flow:
//
//   - protocol.go: framed wire format between daemon and attach clients
//   - history.go: per-instance ring buffer for scrollback replay
//   - tmux.go: in-container tmux control over engine exec
//   - session.go: attachment lifecycle, output relay, resize coalescing
package terminal

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/annex/lib/codec"
)

// Frame type constants. Each frame is a 1-byte type followed by the
// payload; WebSocket message boundaries delimit frames, so no length
// prefix is needed.
const (
	// FrameData carries raw terminal bytes, verbatim. Bidirectional:
	// output flows daemon→client, keystrokes flow client→daemon.
	FrameData byte = 0x01

	// FrameResize carries new terminal dimensions as CBOR. Client→
	// daemon only.
	FrameResize byte = 0x02

	// FrameHistory carries recent output for scrollback replay: a
	// 1-byte compression tag, then the (possibly zstd-compressed)
	// bytes. Daemon→client only, sent once right after metadata.
	FrameHistory byte = 0x03

	// FrameMetadata describes the attachment as CBOR. Daemon→client
	// only, sent first.
	FrameMetadata byte = 0x04
)

// maxFramePayload bounds a single frame's payload. 16 MB is generous
// for terminal traffic; a full history dump is a few hundred KB.
const maxFramePayload = 16 * 1024 * 1024

// Compression tags inside FrameHistory payloads. Protocol constants —
// changing them breaks deployed attach clients.
const (
	historyRaw  byte = 0x00
	historyZstd byte = 0x01
)

// historyCompressThreshold is the history size above which the dump is
// zstd-compressed. Small dumps ship raw; the tag byte says which.
const historyCompressThreshold = 4 * 1024

// Frame is one attach-protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// Encode renders a frame as one wire message.
func Encode(frame Frame) ([]byte, error) {
	switch frame.Type {
	case FrameData, FrameResize, FrameHistory, FrameMetadata:
	default:
		return nil, fmt.Errorf("invalid frame type 0x%02x", frame.Type)
	}
	if len(frame.Payload) > maxFramePayload {
		return nil, fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(frame.Payload), maxFramePayload)
	}
	message := make([]byte, 1+len(frame.Payload))
	message[0] = frame.Type
	copy(message[1:], frame.Payload)
	return message, nil
}

// Decode parses one wire message into a frame. Unknown frame types and
// oversized payloads are errors; the connection carrying them is
// broken or hostile.
func Decode(message []byte) (Frame, error) {
	if len(message) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	frameType := message[0]
	switch frameType {
	case FrameData, FrameResize, FrameHistory, FrameMetadata:
	default:
		return Frame{}, fmt.Errorf("unknown frame type 0x%02x", frameType)
	}
	payload := message[1:]
	if len(payload) > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(payload), maxFramePayload)
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// EncodeData renders terminal bytes as one data frame.
func EncodeData(data []byte) ([]byte, error) {
	return Encode(Frame{Type: FrameData, Payload: data})
}

// ResizePayload is the CBOR body of a resize frame.
type ResizePayload struct {
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// EncodeResize renders new dimensions as one resize frame.
func EncodeResize(rows, cols uint16) ([]byte, error) {
	payload, err := codec.Marshal(ResizePayload{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("encoding resize payload: %w", err)
	}
	return Encode(Frame{Type: FrameResize, Payload: payload})
}

// DecodeResize parses a resize frame's payload.
func DecodeResize(payload []byte) (rows, cols uint16, err error) {
	var decoded ResizePayload
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return 0, 0, fmt.Errorf("decoding resize payload: %w", err)
	}
	return decoded.Rows, decoded.Cols, nil
}

// MetadataPayload is the CBOR body of a metadata frame.
type MetadataPayload struct {
	// Instance is the owning instance id.
	Instance string `cbor:"instance"`

	// Session is the in-container tmux session name the attachment
	// joined.
	Session string `cbor:"session"`

	// Rows and Cols are the dimensions the attachment started with.
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// EncodeMetadata renders attachment metadata as one metadata frame.
func EncodeMetadata(meta MetadataPayload) ([]byte, error) {
	payload, err := codec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata payload: %w", err)
	}
	return Encode(Frame{Type: FrameMetadata, Payload: payload})
}

// DecodeMetadata parses a metadata frame's payload.
func DecodeMetadata(payload []byte) (MetadataPayload, error) {
	var decoded MetadataPayload
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return MetadataPayload{}, fmt.Errorf("decoding metadata payload: %w", err)
	}
	return decoded, nil
}

// historyEncoder and historyDecoder are reused across calls; both are
// safe for concurrent use.
var (
	historyEncoder *zstd.Encoder
	historyDecoder *zstd.Decoder
)

func init() {
	var err error
	historyEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("terminal: zstd encoder initialization failed: " + err.Error())
	}
	historyDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("terminal: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeHistory renders a scrollback dump as one history frame. Dumps
// above the compression threshold are zstd-compressed when that
// actually shrinks them; the leading tag byte records the choice.
func EncodeHistory(data []byte) ([]byte, error) {
	tag := historyRaw
	body := data
	if len(data) >= historyCompressThreshold {
		compressed := historyEncoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			tag = historyZstd
			body = compressed
		}
	}
	payload := make([]byte, 1+len(body))
	payload[0] = tag
	copy(payload[1:], body)
	return Encode(Frame{Type: FrameHistory, Payload: payload})
}

// DecodeHistory recovers the scrollback bytes from a history frame's
// payload.
func DecodeHistory(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("history payload missing compression tag")
	}
	tag, body := payload[0], payload[1:]
	switch tag {
	case historyRaw:
		return body, nil
	case historyZstd:
		decompressed, err := historyDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing history: %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unknown history compression tag 0x%02x", tag)
	}
}
