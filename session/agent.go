// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
)

// AgentSession is the control channel to an instance's in-container
// agent. It carries outbound events and correlated requests, and
// answers the agent's own inbound service requests through the
// manager's dispatcher.
type AgentSession struct {
	*Session

	dispatcher *Dispatcher
}

// OnEvent subscribes to unsolicited agent events.
func (a *AgentSession) OnEvent(fn MessageFunc) int {
	return a.Callbacks().OnMessage(fn)
}

// OffEvent removes an event subscription.
func (a *AgentSession) OffEvent(id int) {
	a.Callbacks().OffMessage(id)
}

// handleServiceRequest answers one inbound RPC from the agent. The
// dispatcher runs on its own goroutine so a slow handler cannot stall
// the read loop. Exactly one correlated service response goes back in
// every case, including dispatch failure: the in-container caller
// blocks on the response and must never hang because the backend side
// was unavailable.
func (a *AgentSession) handleServiceRequest(envelope Envelope) {
	go func() {
		data, err := a.dispatcher.Dispatch(context.Background(), a.instanceID, envelope.Service, envelope.Action, envelope.Params)
		response := Envelope{Type: TypeServiceResponse, ID: envelope.ID}
		if err != nil {
			response.OK = boolPtr(false)
			response.Error = err.Error()
		} else {
			response.OK = boolPtr(true)
			response.Data = data
		}
		if replyErr := a.reply(response); replyErr != nil {
			a.logger.Warn("service response not delivered",
				"instance", a.instanceID,
				"service", envelope.Service,
				"action", envelope.Action,
				"error", replyErr)
		}
	}()
}

// AgentManager owns one agent-control session per instance and the
// dispatcher answering the agents' service requests. Agent processes
// can take a while to come back after a reboot, so sessions reconnect
// on the capped exponential policy.
type AgentManager struct {
	dispatcher *Dispatcher
	core       *manager[*AgentSession]
}

// NewAgentManager returns a manager with no sessions. A nil dispatcher
// gets a fresh one; handlers register through Dispatcher().
func NewAgentManager(cfg ManagerConfig, dispatcher *Dispatcher) *AgentManager {
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	m := &AgentManager{dispatcher: dispatcher}
	m.core = newManager(func(instanceID string, port int, callbacks *Callbacks) *AgentSession {
		agent := &AgentSession{dispatcher: dispatcher}
		agent.Session = New(Config{
			InstanceID:       instanceID,
			URL:              fmt.Sprintf("ws://127.0.0.1:%d/channel", port),
			Dialer:           cfg.Dialer,
			DialTimeout:      cfg.DialTimeout,
			Policy:           AgentRetry,
			AttachBudget:     cfg.AttachBudget,
			AttachInterval:   cfg.AttachInterval,
			RequestTimeout:   cfg.RequestTimeout,
			OnServiceRequest: agent.handleServiceRequest,
			Callbacks:        callbacks,
			Clock:            cfg.Clock,
			Logger:           cfg.Logger,
		})
		return agent
	})
	return m
}

// Dispatcher returns the manager's service-request dispatcher.
func (m *AgentManager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Attach establishes the instance's agent-control session on the given
// host port. A live session under the id is an error; a failed connect
// leaves no session behind.
func (m *AgentManager) Attach(ctx context.Context, instanceID string, port int) error {
	return m.core.attach(ctx, instanceID, port)
}

// CreateOrReplace attaches a fresh session for the instance, carrying
// the event subscriptions over from any session it replaces.
func (m *AgentManager) CreateOrReplace(ctx context.Context, instanceID string, port int) error {
	return m.core.createOrReplace(ctx, instanceID, port)
}

// Get returns the instance's live session.
func (m *AgentManager) Get(instanceID string) (*AgentSession, error) {
	return m.core.get(instanceID)
}

// Destroy tears down the instance's session. Absent is a no-op.
func (m *AgentManager) Destroy(instanceID string) {
	m.core.destroy(instanceID)
}

// DestroyAll tears down every session.
func (m *AgentManager) DestroyAll() {
	m.core.destroyAll()
}

// Instances returns the ids with live sessions, sorted.
func (m *AgentManager) Instances() []string {
	return m.core.instances()
}
