package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"flowr_agency/internal/domain"
	"flowr_agency/internal/simulation"
)

// agent is one player: it owns its hand, its failed charts and its random
// source, and only its own goroutine touches them.
type agent struct {
	id       int
	name     string
	run      *run
	hand     domain.Hand
	original domain.Hand
	sent     map[string]struct{}
	failed   []domain.ChartAttempt
	rng      *rand.Rand

	generated int
}

func newAgent(r *run, id int, hand domain.Hand, seed uint64) *agent {
	return &agent{
		id:       id,
		name:     agentName(id),
		run:      r,
		hand:     hand.Clone(),
		original: hand.Clone(),
		sent:     make(map[string]struct{}, len(hand)),
		rng:      simulation.NewRand(seed),
	}
}

func agentName(id int) string {
	return fmt.Sprintf("agent-%d", id)
}

func (a *agent) loop(ctx context.Context, inbox <-chan domain.BroadcastMessage) {
	cfg := a.run.svc.cfg
	generate := time.NewTicker(cfg.GenerateInterval)
	defer generate.Stop()
	broadcast := time.NewTimer(a.broadcastDelay())
	defer broadcast.Stop()

	a.generate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			a.receive(ctx, msg)
			a.run.settle(1)
		case <-generate.C:
			a.generate(ctx)
		case <-broadcast.C:
			if a.broadcast(ctx) {
				broadcast.Reset(a.broadcastDelay())
			}
		}
	}
}

func (a *agent) broadcastDelay() time.Duration {
	cfg := a.run.svc.cfg
	span := cfg.BroadcastMax - cfg.BroadcastMin
	if span <= 0 {
		return cfg.BroadcastMin
	}
	return cfg.BroadcastMin + time.Duration(a.rng.Int64N(int64(span)+1))
}

// randomSpec is the agent's retriever followed by a random selection of the
// other nodes it holds.
func (a *agent) randomSpec() domain.ChartSpec {
	others := a.hand[1:].Clone()
	a.rng.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	limit := min(a.run.svc.cfg.MaxChartNodes-1, len(others))
	n := 0
	if limit > 0 {
		n = a.rng.IntN(limit + 1)
	}
	nodes := make([]string, 0, n+1)
	nodes = append(nodes, a.hand[0])
	nodes = append(nodes, others[:n]...)
	return domain.ChartSpec{Nodes: nodes}
}

func (a *agent) generate(ctx context.Context) {
	limit := a.run.svc.cfg.MaxAttempts
	if limit > 0 && a.generated >= limit {
		return
	}
	a.generated++
	attempt, ok := a.attempt(ctx, a.randomSpec(), "")
	if !ok {
		return
	}
	if attempt.Outcome.Failed() {
		a.failed = append(a.failed, attempt)
	}
}

// attempt runs spec and records the result. It reports false when the run was
// cut short by the simulation ending.
func (a *agent) attempt(ctx context.Context, spec domain.ChartSpec, repairOf string) (domain.ChartAttempt, bool) {
	svc := a.run.svc
	res, err := svc.runner.Run(ctx, spec)
	if err != nil && ctx.Err() != nil {
		return domain.ChartAttempt{}, false
	}

	attempt := domain.ChartAttempt{
		ID:           uuid.NewString(),
		SimulationID: a.run.sim.ID,
		Agent:        a.id,
		Spec:         spec.Clone(),
		CID:          res.CID,
		OutputLines:  res.OutputLines,
		RepairOf:     repairOf,
		CreatedAt:    time.Now().UTC(),
	}
	if err != nil {
		attempt.Outcome = domain.OutcomeError
		attempt.LastError = err.Error()
		svc.logger.Printf("agency %s chart failed: %v", a.name, err)
	} else {
		attempt.Outcome = Classify(res.OutputLines, svc.cfg.MaxOutputLines)
	}

	if err := svc.store.RecordChartAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		svc.logger.Printf("agency %s record attempt failed: %v", a.name, err)
	}
	if attempt.Outcome == domain.OutcomeSuccess {
		a.recordResult(attempt, res.Script)
	}
	a.run.noteAttempt(a.id, attempt.Outcome)
	return attempt, true
}

type resultLine struct {
	AttemptID   string    `json:"attempt_id"`
	Agent       int       `json:"agent"`
	Nodes       []string  `json:"nodes"`
	CID         string    `json:"cid,omitempty"`
	OutputLines int       `json:"output_lines"`
	RepairOf    string    `json:"repair_of,omitempty"`
	Script      string    `json:"script"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *agent) recordResult(attempt domain.ChartAttempt, script string) {
	svc := a.run.svc
	if svc.recorder == nil {
		return
	}
	line := resultLine{
		AttemptID:   attempt.ID,
		Agent:       a.id,
		Nodes:       attempt.Spec.Nodes,
		CID:         attempt.CID,
		OutputLines: attempt.OutputLines,
		RepairOf:    attempt.RepairOf,
		Script:      script,
		CreatedAt:   attempt.CreatedAt,
	}
	if err := svc.recorder.AppendJSONL(a.run.sim.ID+"/"+a.name+".jsonl", line); err != nil {
		svc.logger.Printf("agency %s record result failed: %v", a.name, err)
	}
}

// broadcast shares one not-yet-shared node of the original hand. It reports
// whether anything is left to share afterwards.
func (a *agent) broadcast(ctx context.Context) bool {
	svc := a.run.svc
	node, ok := simulation.PickUnsent(a.original, a.sent, a.rng)
	if !ok {
		a.run.broadcastFinished(a.id)
		return false
	}
	a.sent[node] = struct{}{}

	msg := domain.BroadcastMessage{
		ID:           uuid.NewString(),
		SimulationID: a.run.sim.ID,
		FromAgent:    a.id,
		NodeType:     node,
		CreatedAt:    time.Now().UTC(),
	}
	expected := a.run.agents - 1
	a.run.expect(expected)
	delivered, err := svc.bus.Fanout(msg)
	a.run.settle(expected - len(delivered))
	if err != nil {
		svc.logger.Printf("agency %s broadcast partially failed: %v", a.name, err)
		logAction(ctx, svc.store, a.run.sim.ID, a.name, "broadcast_dropped", "some inboxes did not take the broadcast", map[string]any{
			"node":  node,
			"error": err.Error(),
		})
	}

	if err := svc.store.RecordBroadcast(context.WithoutCancel(ctx), domain.BroadcastRecord{
		ID:           msg.ID,
		SimulationID: msg.SimulationID,
		FromAgent:    a.id,
		NodeType:     node,
		Recipients:   len(delivered),
		CreatedAt:    msg.CreatedAt,
	}); err != nil {
		svc.logger.Printf("agency %s record broadcast failed: %v", a.name, err)
	}
	logAction(ctx, svc.store, a.run.sim.ID, a.name, "broadcast", "shared a node from the original hand", map[string]any{
		"node":       node,
		"recipients": delivered,
		"remaining":  len(a.original) - len(a.sent),
	})
	a.run.noteBroadcast(a.id)

	if len(a.sent) < len(a.original) {
		return true
	}
	a.run.broadcastFinished(a.id)
	return false
}

func (a *agent) receive(ctx context.Context, msg domain.BroadcastMessage) {
	svc := a.run.svc
	if a.hand.Contains(msg.NodeType) {
		return
	}
	a.hand = append(a.hand, msg.NodeType)
	a.run.setHand(a.id, a.hand)
	if err := svc.store.RecordHandCard(context.WithoutCancel(ctx), domain.HandCard{
		SimulationID: a.run.sim.ID,
		Agent:        a.id,
		Position:     len(a.hand) - 1,
		NodeType:     msg.NodeType,
		Source:       domain.CardSourceBroadcast,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		svc.logger.Printf("agency %s record hand card failed: %v", a.name, err)
	}
	logAction(ctx, svc.store, a.run.sim.ID, a.name, "node_received", "added broadcast node to hand", map[string]any{
		"node": msg.NodeType,
		"from": msg.FromAgent,
	})
	a.repairAll(ctx, msg.NodeType)
}

// repairCandidate is one way of using a new node on a failed chart.
type repairCandidate struct {
	Spec     domain.ChartSpec
	Strategy domain.RepairStrategy
	Position int
}

// repairCandidates lists the charts to try: for no output every non-retriever
// node is swapped for node in turn, for too much output node is appended.
func repairCandidates(failed domain.ChartAttempt, node string) []repairCandidate {
	switch failed.Outcome {
	case domain.OutcomeNoOutput:
		var out []repairCandidate
		for pos := 1; pos < len(failed.Spec.Nodes); pos++ {
			if failed.Spec.Nodes[pos] == node {
				continue
			}
			spec := failed.Spec.Clone()
			spec.Nodes[pos] = node
			out = append(out, repairCandidate{Spec: spec, Strategy: domain.RepairStrategySubstitute, Position: pos})
		}
		return out
	case domain.OutcomeTooMuchOutput:
		spec := failed.Spec.Clone()
		spec.Nodes = append(spec.Nodes, node)
		return []repairCandidate{{Spec: spec, Strategy: domain.RepairStrategyAppend, Position: len(spec.Nodes) - 1}}
	}
	return nil
}

func (a *agent) repairAll(ctx context.Context, node string) {
	remaining := a.failed[:0]
	for _, failed := range a.failed {
		if ctx.Err() != nil || !a.repair(ctx, failed, node) {
			remaining = append(remaining, failed)
		}
	}
	a.failed = remaining
}

// repair tries every candidate for one failed chart and stops at the first
// that succeeds.
func (a *agent) repair(ctx context.Context, failed domain.ChartAttempt, node string) bool {
	svc := a.run.svc
	for _, cand := range repairCandidates(failed, node) {
		attempt, ok := a.attempt(ctx, cand.Spec, failed.ID)
		if !ok {
			return false
		}
		fixed := attempt.Outcome == domain.OutcomeSuccess
		repair := domain.Repair{
			ID:           uuid.NewString(),
			SimulationID: a.run.sim.ID,
			Agent:        a.id,
			AttemptID:    failed.ID,
			NewAttemptID: attempt.ID,
			NodeType:     node,
			Strategy:     cand.Strategy,
			Position:     cand.Position,
			Fixed:        fixed,
			CreatedAt:    time.Now().UTC(),
		}
		if err := svc.store.RecordRepair(context.WithoutCancel(ctx), repair); err != nil {
			svc.logger.Printf("agency %s record repair failed: %v", a.name, err)
		}
		a.run.noteRepair(a.id, fixed)
		if !fixed {
			continue
		}
		if svc.recorder != nil {
			if err := svc.recorder.AppendJSONL(a.run.sim.ID+"/serendipity.jsonl", repair); err != nil {
				svc.logger.Printf("agency %s record serendipity failed: %v", a.name, err)
			}
		}
		logAction(ctx, svc.store, a.run.sim.ID, a.name, "serendipity", "broadcast node turned a failed chart into a success", map[string]any{
			"failed_attempt": failed.ID,
			"new_attempt":    attempt.ID,
			"node":           node,
			"strategy":       cand.Strategy,
			"was":            failed.Outcome,
		})
		return true
	}
	return false
}

func logAction(ctx context.Context, store Store, simulationID, actor, action, reason string, payload any) {
	if store == nil || simulationID == "" || actor == "" || action == "" {
		return
	}
	raw := []byte("{}")
	if payload != nil {
		raw = mustJSON(payload)
	}
	_ = store.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		SimulationID: simulationID,
		Actor:        actor,
		Action:       action,
		Reason:       reason,
		Payload:      raw,
	})
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
