// Package correlate matches outbound requests to inbound responses.
//
// Every outbound request gets a fresh correlation id and a pending entry.
// The entry is removed exactly once (by a matching response, by deadline
// expiry, or by cancellation) and its caller is resolved through a buffered
// result channel, so double resolution is impossible by construction. The
// table has no locking of its own: the connection manager's control loop is
// its only writer.
package correlate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome is the final result of one request: response payload or error,
// never both.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// Pending is one outstanding request awaiting its response.
type Pending struct {
	ID          string
	ConnID      string
	Method      string
	SubmittedAt time.Time
	Deadline    time.Time

	result chan Outcome
	timer  *time.Timer
}

// AttachTimer associates the deadline timer so resolution can stop it.
func (p *Pending) AttachTimer(t *time.Timer) {
	p.timer = t
}

// Wait blocks until the request resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-p.result:
		return out.Data, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table holds all pending requests keyed by correlation id.
type Table struct {
	pending map[string]*Pending
}

// NewTable creates an empty pending-request table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Add registers a new pending request with a fresh correlation id.
func (t *Table) Add(connID, method string, now, deadline time.Time) *Pending {
	p := &Pending{
		ID:          uuid.NewString(),
		ConnID:      connID,
		Method:      method,
		SubmittedAt: now,
		Deadline:    deadline,
		result:      make(chan Outcome, 1),
	}
	t.pending[p.ID] = p
	return p
}

// Resolve completes the request with a response payload. Unknown or
// already-resolved ids report ok=false; late responses are the caller's to
// discard silently.
func (t *Table) Resolve(id string, data json.RawMessage) (*Pending, bool) {
	p, ok := t.remove(id)
	if !ok {
		return nil, false
	}
	p.result <- Outcome{Data: data}
	return p, true
}

// Fail completes the request with an error.
func (t *Table) Fail(id string, err error) (*Pending, bool) {
	p, ok := t.remove(id)
	if !ok {
		return nil, false
	}
	p.result <- Outcome{Err: err}
	return p, true
}

// FailConn fails every pending request on the given connection and returns
// the entries that were failed.
func (t *Table) FailConn(connID string, err error) []*Pending {
	var failed []*Pending
	for id, p := range t.pending {
		if p.ConnID != connID {
			continue
		}
		if _, ok := t.remove(id); ok {
			p.result <- Outcome{Err: err}
			failed = append(failed, p)
		}
	}
	return failed
}

// FailAll fails every pending request and returns the entries that were
// failed.
func (t *Table) FailAll(err error) []*Pending {
	var failed []*Pending
	for id, p := range t.pending {
		if _, ok := t.remove(id); ok {
			p.result <- Outcome{Err: err}
			failed = append(failed, p)
		}
	}
	return failed
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	return len(t.pending)
}

// CountByConn returns the number of outstanding requests on one connection.
func (t *Table) CountByConn(connID string) int {
	n := 0
	for _, p := range t.pending {
		if p.ConnID == connID {
			n++
		}
	}
	return n
}

// remove deletes the entry and stops its deadline timer. Removal before
// the result send is what guarantees single resolution.
func (t *Table) remove(id string) (*Pending, bool) {
	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}
