// Package approval implements the human checkpoint between review and
// presentation. A run suspends in Request until an external actor calls
// Approve or Reject.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/handoff/internal/models"
)

var (
	ErrApprovalPending   = errors.New("an approval request is already pending")
	ErrNoPendingApproval = errors.New("no approval request is pending")
)

// RejectedError is returned from Request when the actor rejects.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "approval rejected"
	}
	return fmt.Sprintf("approval rejected: %s", e.Reason)
}

type decision struct {
	content  string
	rejected bool
	reason   string
}

// Gate holds at most one outstanding request.
type Gate struct {
	mu       sync.Mutex
	pending  *models.ApprovalRequest
	decide   chan decision
	onChange func(models.ApprovalRequest)
}

// NewGate creates a Gate. onChange, if non-nil, is called with a copy of the
// request when it is published and again once it is resolved.
func NewGate(onChange func(models.ApprovalRequest)) *Gate {
	return &Gate{onChange: onChange}
}

// Request publishes content for approval and blocks until a decision or
// until ctx is done. On approval it returns the content to use.
func (g *Gate) Request(ctx context.Context, content string) (string, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return "", ErrApprovalPending
	}
	req := &models.ApprovalRequest{
		Content:     content,
		Status:      models.ApprovalPending,
		RequestedAt: time.Now(),
	}
	ch := make(chan decision, 1)
	g.pending = req
	g.decide = ch
	published := *req
	g.mu.Unlock()

	g.notify(published)

	var d decision
	select {
	case d = <-ch:
	case <-ctx.Done():
		g.mu.Lock()
		if g.pending == req {
			g.pending = nil
			g.decide = nil
		}
		g.mu.Unlock()
		return "", ctx.Err()
	}

	resolved := published
	if d.rejected {
		resolved.Status = models.ApprovalRejected
		resolved.Reason = d.reason
		g.notify(resolved)
		return "", &RejectedError{Reason: d.reason}
	}

	resolved.Status = models.ApprovalApproved
	resolved.FinalContent = d.content
	g.notify(resolved)
	return d.content, nil
}

// Approve resolves the pending request. An empty finalContent approves the
// original content unchanged.
func (g *Gate) Approve(finalContent string) error {
	g.mu.Lock()
	if g.pending == nil {
		g.mu.Unlock()
		return ErrNoPendingApproval
	}
	if finalContent == "" {
		finalContent = g.pending.Content
	}
	ch := g.take()
	g.mu.Unlock()

	ch <- decision{content: finalContent}
	return nil
}

// Reject resolves the pending request as a failure.
func (g *Gate) Reject(reason string) error {
	g.mu.Lock()
	if g.pending == nil {
		g.mu.Unlock()
		return ErrNoPendingApproval
	}
	ch := g.take()
	g.mu.Unlock()

	ch <- decision{rejected: true, reason: reason}
	return nil
}

// Pending returns a copy of the outstanding request, or nil.
func (g *Gate) Pending() *models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	req := *g.pending
	return &req
}

// take clears the slot and returns its channel. g.mu must be held.
func (g *Gate) take() chan decision {
	ch := g.decide
	g.pending = nil
	g.decide = nil
	return ch
}

func (g *Gate) notify(req models.ApprovalRequest) {
	if g.onChange != nil {
		g.onChange(req)
	}
}
