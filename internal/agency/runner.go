package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"flowr_agency/internal/chartscript"
	"flowr_agency/internal/domain"
	"flowr_agency/internal/flowr"
)

// RunResult is what one chart produced on the service.
type RunResult struct {
	CID         string
	Script      string
	Status      string
	Output      string
	OutputLines int
}

// ChartRunner builds, runs and measures one chart.
type ChartRunner interface {
	Run(ctx context.Context, spec domain.ChartSpec) (RunResult, error)
}

// FlowrAPI is the client surface FlowrRunner needs.
type FlowrAPI interface {
	chartscript.ChartAPI
	WaitForRun(ctx context.Context, cid string, interval time.Duration) (flowr.RunStatus, error)
	GetNodeOutput(ctx context.Context, cid, nid string) (string, error)
	GetOutputTree(ctx context.Context, cid, nid string) (json.RawMessage, error)
}

type RunnerConfig struct {
	PollInterval time.Duration
	KeepCharts   bool
	Validators   map[string]string
}

var ErrEmptyChart = errors.New("chart has no nodes")

// FlowrRunner turns a ChartSpec into a script that chains each node's output
// into the next node's input, compiles it on the service, waits for the run
// and counts the output of the last node.
type FlowrRunner struct {
	api      FlowrAPI
	compiler *chartscript.Compiler
	poll     time.Duration
	keep     bool
	logger   *log.Logger
	ports    portCache
}

func NewFlowrRunner(api FlowrAPI, cfg RunnerConfig, logger *log.Logger) (*FlowrRunner, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	compiler, err := chartscript.NewCompiler(api, chartscript.Options{
		Validators:       cfg.Validators,
		CleanupOnFailure: !cfg.KeepCharts,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("new compiler: %w", err)
	}
	return &FlowrRunner{
		api:      api,
		compiler: compiler,
		poll:     cfg.PollInterval,
		keep:     cfg.KeepCharts,
		logger:   logger,
	}, nil
}

func (r *FlowrRunner) Run(ctx context.Context, spec domain.ChartSpec) (RunResult, error) {
	if len(spec.Nodes) == 0 {
		return RunResult{}, ErrEmptyChart
	}
	var ports map[string]Port
	if len(spec.Nodes) > 1 {
		found, err := r.discoverPorts(ctx, spec.Nodes)
		if err != nil {
			return RunResult{}, fmt.Errorf("discover ports: %w", err)
		}
		ports = found
	}
	stanzas := SpecStanzas(spec, ports)
	script := chartscript.Render(stanzas)
	compiled, err := r.compiler.CompileStanzas(ctx, stanzas)
	res := RunResult{CID: compiled.CID, Script: script}
	if err != nil {
		return res, fmt.Errorf("compile chart: %w", err)
	}
	if !r.keep {
		defer r.discard(ctx, compiled.CID)
	}

	status, err := r.api.WaitForRun(ctx, compiled.CID, r.poll)
	if err != nil {
		return res, fmt.Errorf("wait for chart %s: %w", compiled.CID, err)
	}
	res.Status = status.Status

	last := compiled.Nodes[len(compiled.Nodes)-1]
	output, err := r.api.GetNodeOutput(ctx, compiled.CID, last)
	if err != nil {
		return res, fmt.Errorf("output of %s: %w", last, err)
	}
	res.Output = output
	res.OutputLines = CountLines(output)
	r.logger.Printf("agency chart cid=%s nodes=%d status=%s lines=%d", compiled.CID, len(spec.Nodes), status.Status, res.OutputLines)
	return res, nil
}

func (r *FlowrRunner) discard(ctx context.Context, cid string) {
	answer, err := r.api.DeleteChart(context.WithoutCancel(ctx), cid)
	if err != nil || answer != flowr.ResultOK {
		r.logger.Printf("agency delete chart cid=%s answer=%q err=%v", cid, answer, err)
	}
}

// CountLines measures node output. A JSON array counts its elements, a JSON
// object with an array-valued field counts the longest such field, anything
// else counts its non-blank text lines.
func CountLines(output string) int {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return len(items)
		}
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			longest, arrays := 0, 0
			for _, v := range fields {
				var items []json.RawMessage
				if json.Unmarshal(v, &items) != nil {
					continue
				}
				arrays++
				if len(items) > longest {
					longest = len(items)
				}
			}
			if arrays > 0 {
				return longest
			}
		}
	}
	n := 0
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// Classify maps a line count to an outcome: nothing is no_output, more than
// maxLines is too_much_output.
func Classify(lines, maxLines int) domain.Outcome {
	switch {
	case lines <= 0:
		return domain.OutcomeNoOutput
	case lines > maxLines:
		return domain.OutcomeTooMuchOutput
	default:
		return domain.OutcomeSuccess
	}
}
