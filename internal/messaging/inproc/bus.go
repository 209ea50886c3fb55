package inproc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"flowr_agency/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus delivers broadcast cards between agents of one simulation. Sends never
// block; a full inbox is reported to the sender.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.BroadcastMessage
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan domain.BroadcastMessage),
		buffer: buffer,
	}
}

func (b *Bus) Register(agent int) <-chan domain.BroadcastMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agent]; ok {
		return ch
	}
	ch := make(chan domain.BroadcastMessage, b.buffer)
	b.subs[agent] = ch
	return ch
}

func (b *Bus) Unregister(agent int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agent]
	if !ok {
		return
	}
	delete(b.subs, agent)
	close(ch)
}

// Fanout sends msg to every registered agent except msg.FromAgent. It returns
// the agents that received it; failed deliveries are joined into the error.
func (b *Bus) Fanout(msg domain.BroadcastMessage) ([]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := make([]int, 0, len(b.subs))
	for agent := range b.subs {
		if agent != msg.FromAgent {
			targets = append(targets, agent)
		}
	}
	sort.Ints(targets)

	delivered := make([]int, 0, len(targets))
	var errs []error
	for _, agent := range targets {
		m := msg
		m.ToAgent = agent
		if err := b.sendLocked(m); err != nil {
			errs = append(errs, fmt.Errorf("agent %d: %w", agent, err))
			continue
		}
		delivered = append(delivered, agent)
	}
	return delivered, errors.Join(errs...)
}

func (b *Bus) sendLocked(msg domain.BroadcastMessage) error {
	ch, ok := b.subs[msg.ToAgent]
	if !ok {
		return ErrAgentNotRegistered
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrAgentQueueFull
	}
}
