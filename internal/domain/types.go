package domain

import (
	"encoding/json"
	"time"
)

type SimulationStatus string

const (
	SimulationStatusRunning  SimulationStatus = "running"
	SimulationStatusDone     SimulationStatus = "done"
	SimulationStatusFailed   SimulationStatus = "failed"
	SimulationStatusCanceled SimulationStatus = "canceled"
)

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNoOutput      Outcome = "no_output"
	OutcomeTooMuchOutput Outcome = "too_much_output"
	OutcomeError         Outcome = "error"
)

// Failed reports whether the outcome is one the agency tries to repair.
func (o Outcome) Failed() bool {
	return o == OutcomeNoOutput || o == OutcomeTooMuchOutput
}

type CardSource string

const (
	CardSourceDealt     CardSource = "dealt"
	CardSourceBroadcast CardSource = "broadcast"
)

type RepairStrategy string

const (
	RepairStrategySubstitute RepairStrategy = "substitute"
	RepairStrategyAppend     RepairStrategy = "append"
)

// Hand is the ordered list of node types held by one agent. Element 0 is the
// retriever dealt to the agent.
type Hand []string

func (h Hand) Contains(nodeType string) bool {
	for _, n := range h {
		if n == nodeType {
			return true
		}
	}
	return false
}

func (h Hand) Clone() Hand {
	out := make(Hand, len(h))
	copy(out, h)
	return out
}

type Simulation struct {
	ID         string           `json:"id"`
	Status     SimulationStatus `json:"status"`
	Agents     int              `json:"agents"`
	Seed       uint64           `json:"seed"`
	LastError  string           `json:"last_error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

type HandCard struct {
	SimulationID string     `json:"simulation_id"`
	Agent        int        `json:"agent"`
	Position     int        `json:"position"`
	NodeType     string     `json:"node_type"`
	Source       CardSource `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ChartSpec is the local description of a chart an agent wants built.
type ChartSpec struct {
	Nodes []string `json:"nodes"`
}

func (s ChartSpec) Clone() ChartSpec {
	nodes := make([]string, len(s.Nodes))
	copy(nodes, s.Nodes)
	return ChartSpec{Nodes: nodes}
}

type ChartAttempt struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	Agent        int       `json:"agent"`
	Spec         ChartSpec `json:"spec"`
	CID          string    `json:"cid,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	OutputLines  int       `json:"output_lines"`
	RepairOf     string    `json:"repair_of,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BroadcastMessage travels over the bus from one agent to every other agent.
type BroadcastMessage struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	FromAgent    int       `json:"from_agent"`
	ToAgent      int       `json:"to_agent"`
	NodeType     string    `json:"node_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type BroadcastRecord struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	FromAgent    int       `json:"from_agent"`
	NodeType     string    `json:"node_type"`
	Recipients   int       `json:"recipients"`
	CreatedAt    time.Time `json:"created_at"`
}

type Repair struct {
	ID           string         `json:"id"`
	SimulationID string         `json:"simulation_id"`
	Agent        int            `json:"agent"`
	AttemptID    string         `json:"attempt_id"`
	NewAttemptID string         `json:"new_attempt_id"`
	NodeType     string         `json:"node_type"`
	Strategy     RepairStrategy `json:"strategy"`
	Position     int            `json:"position"`
	Fixed        bool           `json:"fixed"`
	CreatedAt    time.Time      `json:"created_at"`
}

type DecisionLog struct {
	ID           int64           `json:"id"`
	SimulationID string          `json:"simulation_id"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PlayerState is a live view of one agent, served by the status API.
type PlayerState struct {
	Agent       int  `json:"agent"`
	Hand        Hand `json:"hand"`
	Broadcasted int  `json:"broadcasted"`
	Attempts    int  `json:"attempts"`
	Failed      int  `json:"failed"`
	Repaired    int  `json:"repaired"`
	Done        bool `json:"done"`
}

// SimulationReport summarises a finished run.
type SimulationReport struct {
	SimulationID string           `json:"simulation_id"`
	Status       SimulationStatus `json:"status"`
	Players      []PlayerState    `json:"players"`
	Attempts     int              `json:"attempts"`
	Successes    int              `json:"successes"`
	Broadcasts   int              `json:"broadcasts"`
	Repairs      int              `json:"repairs"`
	Serendipity  int              `json:"serendipity"`
}
