// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Annex-attach joins an operator's terminal to a sandbox instance's
// shared tmux session through the annex daemon.
//
// The daemon end of the attachment runs tmux inside the instance
// container, so every annex-attach process and the in-container agent
// see the same live screen. Detach with Ctrl-b d; the instance and its
// session keep running.
//
// Usage:
//
//	annex-attach --instance <id> [--daemon host:port]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/annex/lib/netutil"
	"github.com/bureau-foundation/annex/lib/version"
	"github.com/bureau-foundation/annex/terminal"
	"github.com/bureau-foundation/annex/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var daemonAddress string
	var instanceID string

	flagSet := pflag.NewFlagSet("annex-attach", pflag.ContinueOnError)
	flagSet.StringVar(&daemonAddress, "daemon", "127.0.0.1:7070", "daemon control listener address")
	flagSet.StringVar(&instanceID, "instance", "", "instance id to attach to")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("annex-attach %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if instanceID == "" {
		return fmt.Errorf("--instance is required")
	}

	dialer := &transport.TCPDialer{Timeout: 5 * time.Second}
	if err := checkDaemon(dialer, daemonAddress); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return fmt.Errorf("annex-attach requires an interactive terminal")
	}
	cols, rows, err := term.GetSize(stdinFd)
	if err != nil {
		cols, rows = 80, 24
	}

	// Dial before raw mode so handshake failures print as ordinary
	// errors on an intact terminal.
	conn, err := dialTerminal(dialer, daemonAddress, instanceID, uint16(rows), uint16(cols))
	if err != nil {
		return err
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	return relay(conn, os.Stdin, os.Stdout, os.Stderr, winch, func() (uint16, uint16) {
		currentCols, currentRows, sizeErr := term.GetSize(stdinFd)
		if sizeErr != nil || currentRows <= 0 || currentCols <= 0 {
			return 0, 0
		}
		return uint16(currentRows), uint16(currentCols)
	})
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Annex terminal attach: join an instance's shared tmux session.

The daemon runs one tmux session inside each instance container.
Every attached operator and the in-container agent share that
session's screen. Detaching (Ctrl-b d) leaves the session running.

Usage:
  annex-attach --instance <id> [flags]

Examples:
  # Attach to instance u1 via the local daemon
  annex-attach --instance u1

  # Attach through a daemon on another address
  annex-attach --instance u1 --daemon 127.0.0.1:9100

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// checkDaemon verifies the daemon answers its health endpoint before
// any terminal state changes. A refused connection here gets a plain
// error message instead of a failed handshake mid-attach.
func checkDaemon(dialer transport.Dialer, address string) error {
	client := &http.Client{
		Transport: transport.HTTPTransport(dialer, address),
		Timeout:   5 * time.Second,
	}
	response, err := client.Get("http://" + address + "/healthz")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", address, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon health check returned %s", response.Status)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding daemon health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("daemon reports status %q", health.Status)
	}
	return nil
}

// dialTerminal opens the attach WebSocket, announcing the viewer's
// size so the daemon spawns the attach PTY at matching dimensions.
func dialTerminal(dialer transport.Dialer, address, instanceID string, rows, cols uint16) (*websocket.Conn, error) {
	wsDialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, address)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	attachURL := fmt.Sprintf("ws://%s/instances/%s/terminal?rows=%d&cols=%d",
		address, url.PathEscape(instanceID), rows, cols)
	conn, response, err := wsDialer.Dial(attachURL, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("daemon has no instance %q", instanceID)
		}
		return nil, fmt.Errorf("attaching to instance %q: %w", instanceID, err)
	}
	return conn, nil
}

// sizeFunc reports the viewer's current dimensions. A zero pair means
// the size could not be read and no resize should be sent.
type sizeFunc func() (rows, cols uint16)

// relay pumps the attach protocol until either side ends it: inbound
// frames go to output, input bytes go out as data frames, and window
// size changes go out as resize frames. A normal daemon-side close
// (detach, instance destroyed, daemon shutdown) ends the relay with a
// nil error; losing the connection mid-session does not.
func relay(conn *websocket.Conn, input io.Reader, output, errOutput io.Writer, winch <-chan os.Signal, size sizeFunc) error {
	// One writer at a time on a gorilla connection; the input and
	// resize pumps share the frame writer.
	var writeMu sync.Mutex
	writeFrame := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-winch:
			}
			rows, cols := size()
			if rows == 0 || cols == 0 {
				continue
			}
			frame, err := terminal.EncodeResize(rows, cols)
			if err != nil {
				continue
			}
			if writeFrame(frame) != nil {
				return
			}
		}
	}()

	inputDone := make(chan error, 1)
	go func() {
		buffer := make([]byte, 4096)
		for {
			n, err := input.Read(buffer)
			if n > 0 {
				frame, encodeErr := terminal.EncodeData(buffer[:n])
				if encodeErr != nil {
					inputDone <- encodeErr
					return
				}
				if writeErr := writeFrame(frame); writeErr != nil {
					inputDone <- writeErr
					return
				}
			}
			if err != nil {
				inputDone <- err
				return
			}
		}
	}()

	outputDone := make(chan error, 1)
	go func() { outputDone <- pumpOutput(conn, output, errOutput) }()

	select {
	case err := <-outputDone:
		if netutil.IsExpectedClose(err) {
			return nil
		}
		return err
	case err := <-inputDone:
		conn.Close()
		if netutil.IsExpectedClose(err) {
			return nil
		}
		return err
	}
}

// pumpOutput relays inbound frames until the connection ends. The
// metadata frame becomes a status banner on errOutput; history dumps
// and live data bytes write to output verbatim.
func pumpOutput(conn *websocket.Conn, output, errOutput io.Writer) error {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := terminal.Decode(message)
		if err != nil {
			return fmt.Errorf("malformed frame from daemon: %w", err)
		}
		switch frame.Type {
		case terminal.FrameMetadata:
			metadata, decodeErr := terminal.DecodeMetadata(frame.Payload)
			if decodeErr != nil {
				return fmt.Errorf("malformed metadata frame: %w", decodeErr)
			}
			fmt.Fprintf(errOutput, "attached to %s (tmux session %q); detach with Ctrl-b d\r\n",
				metadata.Instance, metadata.Session)
		case terminal.FrameHistory:
			dump, decodeErr := terminal.DecodeHistory(frame.Payload)
			if decodeErr != nil {
				return fmt.Errorf("malformed history frame: %w", decodeErr)
			}
			if len(dump) > 0 {
				if _, writeErr := output.Write(dump); writeErr != nil {
					return writeErr
				}
			}
		case terminal.FrameData:
			if _, writeErr := output.Write(frame.Payload); writeErr != nil {
				return writeErr
			}
		}
	}
}
