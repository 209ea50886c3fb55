package simulation

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"flowr_agency/internal/catalog"
	"flowr_agency/internal/domain"
)

// State is everything one simulation run owns. The driver creates it and
// passes it around; nothing here is shared between runs.
type State struct {
	Catalog *catalog.Catalog
	Players Registry

	rng      *rand.Rand
	sent     map[int]map[string]struct{}
	received map[int]map[string]struct{}
}

func NewState(c *catalog.Catalog, rng *rand.Rand) *State {
	if rng == nil {
		rng = NewRand(0)
	}
	return &State{
		Catalog:  c,
		Players:  make(Registry),
		rng:      rng,
		sent:     make(map[int]map[string]struct{}),
		received: make(map[int]map[string]struct{}),
	}
}

// Deal replaces the registry with freshly dealt hands.
func (s *State) Deal(numHands int) error {
	hands, err := DealOut(s.Catalog, numHands, s.rng)
	if err != nil {
		return err
	}
	s.Players = NewRegistry(hands)
	s.sent = make(map[int]map[string]struct{}, numHands)
	s.received = make(map[int]map[string]struct{}, numHands)
	for i, h := range hands {
		s.sent[i] = make(map[string]struct{})
		s.received[i] = make(map[string]struct{}, len(h))
		for _, n := range h {
			s.received[i][n] = struct{}{}
		}
	}
	return nil
}

// Broadcast is the untracked variant: see the package-level Broadcast.
func (s *State) Broadcast(agent int) (string, error) {
	node, err := Broadcast(s.Players, agent, s.rng)
	if err != nil {
		return "", err
	}
	for key := range s.Players {
		if key != agent {
			s.markReceived(key, node)
		}
	}
	return node, nil
}

// BroadcastUnique sends a node the agent has not broadcast before, and only to
// agents that do not hold it yet. It returns the node and the recipients.
func (s *State) BroadcastUnique(agent int) (string, []int, error) {
	hand, ok := s.Players[agent]
	if !ok {
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownAgent, agent)
	}
	if s.sent[agent] == nil {
		s.sent[agent] = make(map[string]struct{})
	}
	node, ok := PickUnsent(hand, s.sent[agent], s.rng)
	if !ok {
		return "", nil, ErrNothingToBroadcast
	}
	s.sent[agent][node] = struct{}{}

	var recipients []int
	for _, key := range s.agents() {
		if key == agent || s.hasReceived(key, node) {
			continue
		}
		s.Players[key] = append(s.Players[key], node)
		s.markReceived(key, node)
		recipients = append(recipients, key)
	}
	return node, recipients, nil
}

// Hand returns a copy of the agent's hand.
func (s *State) Hand(agent int) (domain.Hand, bool) {
	h, ok := s.Players[agent]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

func (s *State) hasReceived(agent int, node string) bool {
	_, ok := s.received[agent][node]
	return ok
}

func (s *State) markReceived(agent int, node string) {
	if s.received[agent] == nil {
		s.received[agent] = make(map[string]struct{})
	}
	s.received[agent][node] = struct{}{}
}

func (s *State) agents() []int {
	keys := make([]int, 0, len(s.Players))
	for k := range s.Players {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
