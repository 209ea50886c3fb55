package simulation

import (
	"errors"
	"testing"
)

func TestStateBroadcastUniqueIsIdempotent(t *testing.T) {
	state := NewState(testCatalog(t), NewRand(21))
	if err := state.Deal(2); err != nil {
		t.Fatalf("deal: %v", err)
	}
	original, _ := state.Hand(0)
	distinct := map[string]struct{}{}
	for _, n := range original {
		distinct[n] = struct{}{}
	}

	for i := 0; i < len(distinct); i++ {
		node, recipients, err := state.BroadcastUnique(0)
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		if _, ok := distinct[node]; !ok {
			t.Fatalf("broadcast node %s not in original hand", node)
		}
		if len(recipients) != 1 || recipients[0] != 1 {
			t.Fatalf("recipients=%v want=[1]", recipients)
		}
	}
	if _, _, err := state.BroadcastUnique(0); !errors.Is(err, ErrNothingToBroadcast) {
		t.Fatalf("err=%v want ErrNothingToBroadcast", err)
	}

	hand1, _ := state.Hand(1)
	counts := map[string]int{}
	for _, n := range hand1 {
		counts[n]++
	}
	for n, c := range counts {
		if c > 1 {
			t.Fatalf("agent 1 holds %s %d times", n, c)
		}
	}
}

func TestStateBroadcastSkipsHolders(t *testing.T) {
	state := NewState(testCatalog(t), NewRand(8))
	if err := state.Deal(3); err != nil {
		t.Fatalf("deal: %v", err)
	}
	node, err := state.Broadcast(2)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	// Agents 0 and 1 now hold node; sending it from 0 must reach nobody new.
	state.sent[0] = map[string]struct{}{}
	for n := range state.received[0] {
		if n != node {
			state.sent[0][n] = struct{}{}
		}
	}
	got, recipients, err := state.BroadcastUnique(0)
	if err != nil {
		t.Fatalf("broadcast unique: %v", err)
	}
	if got != node {
		t.Fatalf("node=%s want=%s", got, node)
	}
	if len(recipients) != 0 {
		t.Fatalf("recipients=%v want none", recipients)
	}
}

func TestStateUnknownAgent(t *testing.T) {
	state := NewState(testCatalog(t), NewRand(1))
	if err := state.Deal(2); err != nil {
		t.Fatalf("deal: %v", err)
	}
	if _, _, err := state.BroadcastUnique(9); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err=%v want ErrUnknownAgent", err)
	}
}
