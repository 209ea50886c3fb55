// Package simulation deals catalog node types out to agents like a pack of
// cards and lets agents share nodes with each other.
package simulation

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"flowr_agency/internal/catalog"
	"flowr_agency/internal/domain"
)

var (
	ErrInvalidHandCount   = errors.New("number of hands must be positive")
	ErrUnknownAgent       = errors.New("agent is not in the registry")
	ErrNothingToBroadcast = errors.New("agent has no node left to broadcast")
)

// InsufficientRetrieversError is returned before any dealing happens when the
// catalog cannot give every hand its own retriever.
type InsufficientRetrieversError struct {
	Have int
	Need int
}

func (e *InsufficientRetrieversError) Error() string {
	return fmt.Sprintf("insufficient retrievers: have %d, need %d", e.Have, e.Need)
}

// Registry maps agent index to that agent's hand.
type Registry map[int]domain.Hand

func NewRegistry(hands []domain.Hand) Registry {
	reg := make(Registry, len(hands))
	for i, h := range hands {
		reg[i] = h
	}
	return reg
}

// NewRand returns a seeded source; seed 0 picks a random seed.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// DealOut gives every hand one shuffled retriever, then deals the remaining
// catalog leaves round-robin: flattened position p goes to hand p mod numHands.
// Retrievers beyond numHands are not dealt. The catalog is not modified.
func DealOut(c *catalog.Catalog, numHands int, rng *rand.Rand) ([]domain.Hand, error) {
	if numHands <= 0 {
		return nil, ErrInvalidHandCount
	}
	retrievers := c.Names(catalog.RetrieverCategory, catalog.RetrieverSubcategory)
	if len(retrievers) < numHands {
		return nil, &InsufficientRetrieversError{Have: len(retrievers), Need: numHands}
	}
	if rng == nil {
		rng = NewRand(0)
	}
	rng.Shuffle(len(retrievers), func(i, j int) {
		retrievers[i], retrievers[j] = retrievers[j], retrievers[i]
	})

	hands := make([]domain.Hand, numHands)
	for i := range numHands {
		hands[i] = domain.Hand{catalog.NodeType{
			Category:    catalog.RetrieverCategory,
			Subcategory: catalog.RetrieverSubcategory,
			Name:        retrievers[i],
		}.String()}
	}

	rest := c.Clone()
	rest.Remove(catalog.RetrieverCategory, catalog.RetrieverSubcategory)
	for pos, leaf := range rest.Leaves() {
		h := pos % numHands
		hands[h] = append(hands[h], leaf.String())
	}
	return hands, nil
}

// Broadcast samples one node uniformly from the agent's hand and appends it to
// every other hand. Nothing is remembered between calls, so the same node can
// be sent again and hands only grow.
func Broadcast(reg Registry, agent int, rng *rand.Rand) (string, error) {
	hand, ok := reg[agent]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownAgent, agent)
	}
	if len(hand) == 0 {
		return "", ErrNothingToBroadcast
	}
	if rng == nil {
		rng = NewRand(0)
	}
	node := hand[rng.IntN(len(hand))]
	for key, other := range reg {
		if key == agent {
			continue
		}
		reg[key] = append(other, node)
	}
	return node, nil
}

// PickUnsent samples uniformly among the distinct nodes of hand that are not
// in sent. ok is false once everything has been sent.
func PickUnsent(hand domain.Hand, sent map[string]struct{}, rng *rand.Rand) (string, bool) {
	seen := make(map[string]struct{}, len(hand))
	var candidates []string
	for _, n := range hand {
		if _, done := sent[n]; done {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rng.IntN(len(candidates))], true
}
