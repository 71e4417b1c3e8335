// Package realtimetest provides an in-memory realtime.Connection for tests.
package realtimetest

import (
	"sync"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
)

// Event is one delivery recorded by a Connection.
type Event struct {
	Name    string
	Payload any
}

// Connection records every event sent to it.
type Connection struct {
	id       string
	identity model.Identity

	mu     sync.Mutex
	events []Event
	closed bool
}

// NewConnection constructs a recording connection.
func NewConnection(id string, identity model.Identity) *Connection {
	return &Connection{id: id, identity: identity}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Identity() model.Identity {
	return c.identity
}

// Send records the event unless the connection was closed.
func (c *Connection) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrConnectionClosed
	}
	c.events = append(c.events, Event{Name: event, Payload: payload})
	return nil
}

// Close makes further sends fail.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (c *Connection) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Named returns the recorded events with the given name.
func (c *Connection) Named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []Event
	for _, event := range c.events {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

// Reset forgets recorded events.
func (c *Connection) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
