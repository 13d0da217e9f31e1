// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

// Control surface: two fixed endpoints on the control listener.
//
//	GET /healthz                  liveness, instance count, uptime
//	GET /instances/{id}/terminal  WebSocket terminal attach
//
// The terminal endpoint upgrades to a WebSocket and bridges binary
// protocol frames between the viewer and the instance's shared terminal
// session. Inbound data and resize frames feed the attachment; outbound
// frames (the metadata/history preamble, then live output) are written
// by the attachment's own relay through the sink adapter — they never
// pass through the read loop here.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/annex/terminal"
)

// routes builds the control listener handler.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/instances/", d.handleInstancePath)
	return mux
}

type healthResponse struct {
	Status        string `json:"status"`
	Instances     int    `json:"instances"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Instances:     len(d.orchestrator.Instances()),
		UptimeSeconds: int64(d.clock.Now().Sub(d.startedAt).Seconds()),
	})
}

// handleInstancePath routes /instances/{id}/terminal. The instance id
// is a single path segment, so it cannot contain a slash.
func (d *Daemon) handleInstancePath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/instances/")
	segments := strings.SplitN(rest, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] != "terminal" {
		http.NotFound(w, r)
		return
	}
	d.handleTerminal(w, r, segments[0])
}

// upgrader accepts any origin: the control listener binds loopback and
// viewers are local tools, not browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (d *Daemon) handleTerminal(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, ok := d.orchestrator.Record(instanceID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown instance %q", instanceID), http.StatusNotFound)
		return
	}
	rows, cols := viewerSize(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		d.logger.Warn("terminal upgrade failed",
			"instance", instanceID, "error", err)
		return
	}

	attachment, err := d.terminals.Attach(r.Context(), terminal.AttachRequest{
		InstanceID:   instanceID,
		ContainerID:  record.ContainerID,
		AttachmentID: uuid.NewString(),
		Rows:         rows,
		Cols:         cols,
		Sink:         &wsSink{conn: conn},
	})
	if err != nil {
		d.logger.Warn("terminal attach failed",
			"instance", instanceID, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"))
		conn.Close()
		return
	}
	d.logger.Info("terminal viewer connected",
		"instance", instanceID,
		"attachment", attachment.AttachmentID(),
		"remote", r.RemoteAddr)
	d.serveAttachment(conn, attachment)
}

// viewerSize reads the viewer's initial dimensions from the query
// string, defaulting to a conventional 24x80.
func viewerSize(r *http.Request) (rows, cols uint16) {
	rows, cols = 24, 80
	if v, err := strconv.ParseUint(r.URL.Query().Get("rows"), 10, 16); err == nil && v > 0 {
		rows = uint16(v)
	}
	if v, err := strconv.ParseUint(r.URL.Query().Get("cols"), 10, 16); err == nil && v > 0 {
		cols = uint16(v)
	}
	return rows, cols
}

// serveAttachment pumps inbound WebSocket messages into the attachment
// until either side goes away. It blocks for the life of the viewer.
func (d *Daemon) serveAttachment(conn *websocket.Conn, attachment *terminal.Attachment) {
	defer attachment.Close()

	// The attachment can die first (subprocess exit, instance reboot);
	// closing the connection unblocks the read loop below.
	go func() {
		<-attachment.Done()
		conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := terminal.Decode(message)
		if err != nil {
			d.logger.Warn("malformed frame from terminal viewer",
				"instance", attachment.InstanceID(), "error", err)
			return
		}
		switch frame.Type {
		case terminal.FrameData:
			if err := attachment.Input(frame.Payload); err != nil {
				return
			}
		case terminal.FrameResize:
			rows, cols, err := terminal.DecodeResize(frame.Payload)
			if err != nil {
				d.logger.Warn("malformed resize from terminal viewer",
					"instance", attachment.InstanceID(), "error", err)
				continue
			}
			attachment.Resize(rows, cols)
		default:
			// History and metadata frames flow daemon to viewer only.
		}
	}
}

// wsSink adapts a WebSocket connection to the terminal frame sink.
// gorilla connections allow one concurrent writer; the mutex holds that
// invariant for the preamble and relay writes.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal-closure frame before dropping the connection so
// viewers can tell an intended teardown (detach, destroy, shutdown)
// from a lost daemon. WriteControl is safe against a concurrent
// WriteFrame and carries its own deadline, so a wedged viewer cannot
// stall the teardown.
func (s *wsSink) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
