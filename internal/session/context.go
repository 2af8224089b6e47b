// Package session owns the process-wide active session.
package session

import (
	"errors"
	"sync"

	"github.com/ghaggin/fieldtrack/internal/model"
)

var ErrActive = errors.New("a session is already active")

// Context holds at most one session. Login, logout and the liveness monitor
// are its only writers.
type Context struct {
	mu      sync.Mutex
	current *model.Session
}

func New() *Context {
	return &Context{}
}

func (c *Context) Current() (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return model.Session{}, false
	}
	return *c.current, true
}

func (c *Context) Begin(s model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return ErrActive
	}
	c.current = &s
	return nil
}

// End clears the session and returns what was cleared.
func (c *Context) End() (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return model.Session{}, false
	}
	s := *c.current
	c.current = nil
	return s, true
}

// EndIf clears the session only if it is still the one with the given id.
// Of two racing invalidations of the same session, exactly one returns true.
func (c *Context) EndIf(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.ID != id {
		return false
	}
	c.current = nil
	return true
}
