// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatcherRegisterOnce(t *testing.T) {
	d := NewDispatcher()
	if d.Registered() {
		t.Error("fresh dispatcher must report no handler")
	}

	if err := d.Register(nil); err == nil {
		t.Error("nil handler must be rejected")
	}

	handler := func(context.Context, string, string, string, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}
	if err := d.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !d.Registered() {
		t.Error("dispatcher must report a handler")
	}
	if err := d.Register(handler); !errors.Is(err, ErrHandlerRegistered) {
		t.Errorf("second Register = %v, want ErrHandlerRegistered", err)
	}
}

func TestDispatcherRoutesToHandler(t *testing.T) {
	d := NewDispatcher()
	var got dispatchRecord
	if err := d.Register(func(ctx context.Context, instanceID, service, action string, params json.RawMessage) (json.RawMessage, error) {
		got = dispatchRecord{instanceID, service, action, params}
		return json.RawMessage(`{"ok":1}`), nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data, err := d.Dispatch(context.Background(), "u7", "drive", "stat", json.RawMessage(`{"path":"/tmp"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(data) != `{"ok":1}` {
		t.Errorf("Dispatch data = %s", data)
	}
	if got.instanceID != "u7" || got.service != "drive" || got.action != "stat" || string(got.params) != `{"path":"/tmp"}` {
		t.Errorf("handler saw %+v", got)
	}
}

func TestDispatcherWithoutHandler(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), "u1", "drive", "list", nil)
	if err == nil || err.Error() != "no service handler registered" {
		t.Errorf("Dispatch = %v, want the synthesized no-handler failure", err)
	}
}
