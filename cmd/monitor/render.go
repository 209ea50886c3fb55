package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"flowr_agency/internal/domain"
)

func renderSimulationsTable(table *tview.Table, sims []domain.Simulation, selected string) {
	table.Clear()
	headers := []string{"Simulation", "Status", "Agents", "Seed", "Started"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range sims {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(s.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(s.Status)).SetTextColor(statusColor(s.Status)))
		table.SetCell(row, 2, tview.NewTableCell(strconv.Itoa(s.Agents)))
		table.SetCell(row, 3, tview.NewTableCell(strconv.FormatUint(s.Seed, 10)))
		table.SetCell(row, 4, tview.NewTableCell(s.StartedAt.Local().Format("15:04:05")))
		if s.ID == selected {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.SimulationStatus) tcell.Color {
	switch s {
	case domain.SimulationStatusRunning:
		return tcell.ColorYellow
	case domain.SimulationStatusDone:
		return tcell.ColorGreen
	case domain.SimulationStatusFailed:
		return tcell.ColorRed
	default:
		return tview.Styles.SecondaryTextColor
	}
}

func renderSummary(d simulationDetail) string {
	var b strings.Builder
	s := d.Simulation
	fmt.Fprintf(&b, "Simulation %s  status=%s agents=%d seed=%d\n", shortID(s.ID), s.Status, s.Agents, s.Seed)
	if s.LastError != "" {
		b.WriteString("  error: " + trimLine(s.LastError, 120) + "\n")
	}
	if r := d.Report; r != nil {
		fmt.Fprintf(&b, "attempts=%d successes=%d broadcasts=%d repairs=%d serendipity=%d\n",
			r.Attempts, r.Successes, r.Broadcasts, r.Repairs, r.Serendipity)
	} else {
		b.WriteString("not running in the agency process\n")
	}
	return b.String()
}

func renderPlayers(players []domain.PlayerState) string {
	if len(players) == 0 {
		return "No players"
	}
	var b strings.Builder
	for _, p := range players {
		state := "playing"
		if p.Done {
			state = "done"
		}
		fmt.Fprintf(&b, "agent-%d %-7s hand=%d sent=%d attempts=%d failed=%d repaired=%d\n",
			p.Agent, state, len(p.Hand), p.Broadcasted, p.Attempts, p.Failed, p.Repaired)
		if len(p.Hand) > 0 {
			b.WriteString("  [::d]" + trimLine(strings.Join(shortNodes(p.Hand), " "), 160) + "[::-]\n")
		}
	}
	return b.String()
}

func renderAttempts(items []domain.ChartAttempt) string {
	if len(items) == 0 {
		return "No attempts"
	}
	var b strings.Builder
	for _, a := range items {
		fmt.Fprintf(&b, "[%s] agent-%d %s lines=%d cid=%s\n",
			a.CreatedAt.Local().Format("15:04:05"), a.Agent, outcomeTag(a.Outcome), a.OutputLines, a.CID)
		b.WriteString("  " + trimLine(strings.Join(shortNodes(a.Spec.Nodes), " > "), 120) + "\n")
		if a.LastError != "" {
			b.WriteString("  error: " + trimLine(a.LastError, 120) + "\n")
		}
	}
	return b.String()
}

func outcomeTag(o domain.Outcome) string {
	switch o {
	case domain.OutcomeSuccess:
		return "[green]" + string(o) + "[-]"
	case domain.OutcomeError:
		return "[red]" + string(o) + "[-]"
	default:
		return "[yellow]" + string(o) + "[-]"
	}
}

func renderBroadcasts(items []domain.BroadcastRecord) string {
	if len(items) == 0 {
		return "No broadcasts"
	}
	var b strings.Builder
	for _, m := range items {
		fmt.Fprintf(&b, "[%s] agent-%d -> %d  %s\n",
			m.CreatedAt.Local().Format("15:04:05"), m.FromAgent, m.Recipients, m.NodeType)
	}
	return b.String()
}

func renderRepairs(items []domain.Repair) string {
	if len(items) == 0 {
		return "No repairs"
	}
	var b strings.Builder
	for _, r := range items {
		mark := "miss"
		if r.Fixed {
			mark = "[green]fixed[-]"
		}
		fmt.Fprintf(&b, "[%s] agent-%d %s@%d %s %s\n",
			r.CreatedAt.Local().Format("15:04:05"), r.Agent, r.Strategy, r.Position, shortNode(r.NodeType), mark)
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"), d.Actor, d.Action, trimLine(d.Reason, 100))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return trimmed
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, ", ")
}

// parseStartInput reads "agents [seed]" from the prompt line.
func parseStartInput(line string) (int, uint64, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("expected: agents [seed]")
	}
	agents, err := strconv.Atoi(fields[0])
	if err != nil || agents < 0 {
		return 0, 0, fmt.Errorf("invalid agents %q", fields[0])
	}
	var seed uint64
	if len(fields) == 2 {
		seed, err = strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid seed %q", fields[1])
		}
	}
	return agents, seed, nil
}

// shortNode keeps the last segment of a node type.
func shortNode(nodeType string) string {
	if i := strings.LastIndexByte(nodeType, '.'); i >= 0 {
		return nodeType[i+1:]
	}
	return nodeType
}

func shortNodes(nodes []string) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = shortNode(n)
	}
	return out
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
