// Package apptest provides fakes for exercising the registries and router
// without real sockets.
package apptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// Transport records every frame it is sent.
type Transport struct {
	id domain.ConnID

	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   string
	block  bool
}

func NewTransport() *Transport {
	return &Transport{id: domain.NewConnID()}
}

// NewTransportWithID builds a transport reporting a fixed id.
func NewTransportWithID(id domain.ConnID) *Transport {
	return &Transport{id: id}
}

func (t *Transport) ID() domain.ConnID { return t.id }

// Block makes Send wait for its context, like a client that stopped reading.
func (t *Transport) Block(b bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = b
}

func (t *Transport) Send(ctx context.Context, f core.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if t.block {
		t.mu.Unlock()
		<-ctx.Done()
		return fmt.Errorf("%w: %v", domain.ErrSendTimeout, ctx.Err())
	}
	t.frames = append(t.frames, append([]byte(nil), f...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.code = code
	}
}

func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.code
}

func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// Envelopes decodes the fanned-out events, skipping control replies.
func (t *Transport) Envelopes(types ...domain.EventType) []domain.Envelope {
	var out []domain.Envelope
	for _, f := range t.Frames() {
		var head struct {
			Origin *string `json:"origin"`
		}
		if json.Unmarshal(f, &head) != nil || head.Origin == nil {
			continue
		}
		var env domain.Envelope
		if json.Unmarshal(f, &env) != nil {
			continue
		}
		if len(types) > 0 && !containsType(types, env.Type) {
			continue
		}
		out = append(out, env)
	}
	return out
}

// Replies decodes the control replies, skipping envelopes.
func (t *Transport) Replies(types ...string) []domain.Reply {
	var out []domain.Reply
	for _, f := range t.Frames() {
		var head struct {
			Origin *string `json:"origin"`
		}
		if json.Unmarshal(f, &head) != nil || head.Origin != nil {
			continue
		}
		var r domain.Reply
		if json.Unmarshal(f, &r) != nil {
			continue
		}
		if len(types) > 0 && !containsString(types, r.Type) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsType(ts []domain.EventType, t domain.EventType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
