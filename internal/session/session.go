// Package session holds the bearer token issued by the external login flow.
//
// A Context is passed explicitly to the API client and the sync engine. After
// the remote catalog rejects the token, the context is invalidated and stays
// that way until a new token is supplied.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Context is a concurrency-safe token holder.
type Context struct {
	mu          sync.RWMutex
	token       string
	invalidated bool
	path        string
	onChange    []func(valid bool)
}

// New returns a Context holding token.
func New(token string) *Context {
	return &Context{token: strings.TrimSpace(token)}
}

// LoadFile returns a Context backed by the token file at path. A missing file
// yields an empty, valid context; SetToken writes through to the file.
func LoadFile(path string) (*Context, error) {
	c := &Context{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file %q: %w", path, err)
	}
	c.token = strings.TrimSpace(string(data))
	return c, nil
}

// Token returns the current token. ok is false when the context has been
// invalidated; an empty token with ok true means "send unauthenticated".
func (c *Context) Token() (token string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.invalidated {
		return "", false
	}
	return c.token, true
}

// Invalidated reports whether the remote side rejected the current token.
func (c *Context) Invalidated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidated
}

// Invalidate drops the token after a 401. Repeated calls are no-ops.
func (c *Context) Invalidate() {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		return
	}
	c.invalidated = true
	c.token = ""
	hooks := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(false)
	}
}

// SetToken re-authenticates the context with a fresh token.
func (c *Context) SetToken(token string) error {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	c.token = token
	c.invalidated = false
	path := c.path
	hooks := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
			return fmt.Errorf("write token file: %w", err)
		}
	}
	for _, fn := range hooks {
		fn(true)
	}
	return nil
}

// OnChange registers fn to run after every Invalidate or SetToken, with the
// resulting validity.
func (c *Context) OnChange(fn func(valid bool)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}
