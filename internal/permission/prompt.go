package permission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/google/uuid"
)

// ErrUnknownRequest is returned when resolving a request that is not pending
var ErrUnknownRequest = errors.New("no such pending permission request")

// Pending describes a request waiting for an answer
type Pending struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type pendingRequest struct {
	Pending
	answer chan bool
}

// PromptRequester parks each request until it is answered through Resolve,
// which the control API exposes to the phone-side UI
type PromptRequester struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewPromptRequester creates a requester with no pending requests
func NewPromptRequester() *PromptRequester {
	return &PromptRequester{pending: make(map[string]*pendingRequest)}
}

// Name returns the requester name
func (p *PromptRequester) Name() string {
	return "prompt"
}

// Request waits for Resolve or ctx
func (p *PromptRequester) Request(ctx context.Context) error {
	req := &pendingRequest{
		Pending: Pending{ID: uuid.NewString(), CreatedAt: time.Now()},
		answer:  make(chan bool, 1),
	}

	p.mu.Lock()
	p.pending[req.ID] = req
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	logger.WithComponent("permission").Info().
		Str("request_id", req.ID).
		Msg("Waiting for screen capture permission")

	select {
	case granted := <-req.answer:
		if !granted {
			return ErrDenied
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve answers the pending request id
func (p *PromptRequester) Resolve(id string, granted bool) error {
	p.mu.Lock()
	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}

	logger.WithComponent("permission").Debug().
		Str("request_id", id).
		Bool("granted", granted).
		Msg("Permission request resolved")

	req.answer <- granted
	return nil
}

// Pending lists the requests waiting for an answer, oldest first
func (p *PromptRequester) Pending() []Pending {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]Pending, 0, len(p.pending))
	for _, req := range p.pending {
		list = append(list, req.Pending)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}
