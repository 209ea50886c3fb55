package chartscript

import (
	"context"
	"errors"
	"fmt"
	"log"

	"flowr_agency/internal/flowr"
	"flowr_agency/internal/validate"
)

// ChartAPI is the part of the FloWr client the compiler drives.
type ChartAPI interface {
	NewChart(ctx context.Context) (string, error)
	DeleteChart(ctx context.Context, cid string) (string, error)
	AddNode(ctx context.Context, cid, nodeType string) (string, error)
	GetChart(ctx context.Context, cid string) (flowr.Chart, error)
	RunChart(ctx context.Context, cid string) (string, error)
	GetParameters(ctx context.Context, cid, nid string) ([]flowr.Parameter, error)
	SetParameter(ctx context.Context, cid, nid, name, value string) (string, error)
	NewVariable(ctx context.Context, cid, nid string) (string, error)
	RenameVariable(ctx context.Context, cid, nid, oldName, newName string) ([]flowr.Variable, error)
	GetVariables(ctx context.Context, cid, nid string) ([]flowr.Variable, error)
	SetVariableDefinition(ctx context.Context, cid, nid, name, definition string) ([]flowr.Variable, error)
}

// InvalidValueError is a parameter value rejected by a local validator.
type InvalidValueError struct {
	Line      int
	Key       string
	Value     string
	Validator string
	Detail    string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("line %d: %s=%q fails %s: %s", e.Line, e.Key, e.Value, e.Validator, e.Detail)
}

type Options struct {
	// Validators maps a parameter name to the validator its values must pass.
	Validators map[string]string
	// CleanupOnFailure deletes the partially built chart when a call fails.
	CleanupOnFailure bool
	// Verify reads back parameters and variables after every stanza.
	Verify bool
	Logger *log.Logger
}

type Compiler struct {
	api        ChartAPI
	validators map[string]string
	cleanup    bool
	verify     bool
	logger     *log.Logger
}

func NewCompiler(api ChartAPI, opts Options) (*Compiler, error) {
	for param, name := range opts.Validators {
		if _, ok := validate.Lookup(name); !ok {
			return nil, fmt.Errorf("validator for parameter %s: %w: %s", param, validate.ErrUnknownTest, name)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Compiler{
		api:        api,
		validators: opts.Validators,
		cleanup:    opts.CleanupOnFailure,
		verify:     opts.Verify,
		logger:     opts.Logger,
	}, nil
}

type Result struct {
	CID       string
	Nodes     []string
	StatusURL string
	Chart     flowr.Chart
	// Warnings holds the lines that were skipped and answers the service
	// refused without failing the call.
	Warnings []error
}

// Compile creates a chart from script and starts it. On failure the partial
// Result still carries the chart id.
func (c *Compiler) Compile(ctx context.Context, script string) (Result, error) {
	stanzas, err := Parse(script)
	if err != nil {
		return Result{}, err
	}
	return c.CompileStanzas(ctx, stanzas)
}

func (c *Compiler) CompileStanzas(ctx context.Context, stanzas []Stanza) (Result, error) {
	if len(stanzas) == 0 {
		return Result{}, ErrEmptyScript
	}
	cid, err := c.api.NewChart(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("new chart: %w", err)
	}
	res := Result{CID: cid}
	c.logger.Printf("chartscript new chart cid=%s stanzas=%d", cid, len(stanzas))

	if err := c.build(ctx, &res, stanzas); err != nil {
		c.abandon(ctx, cid)
		return res, err
	}
	return res, nil
}

func (c *Compiler) build(ctx context.Context, res *Result, stanzas []Stanza) error {
	cid := res.CID
	for _, s := range stanzas {
		nid, err := c.api.AddNode(ctx, cid, s.NodeType)
		if err != nil {
			return fmt.Errorf("add node %s: %w", s.NodeType, err)
		}
		res.Nodes = append(res.Nodes, nid)
		c.logger.Printf("chartscript created node cid=%s nid=%s", cid, nid)

		for _, e := range s.Entries {
			if err := c.applyEntry(ctx, res, nid, e); err != nil {
				return err
			}
		}
		if c.verify {
			params, err := c.api.GetParameters(ctx, cid, nid)
			if err != nil {
				return fmt.Errorf("get parameters of %s: %w", nid, err)
			}
			vars, err := c.api.GetVariables(ctx, cid, nid)
			if err != nil {
				return fmt.Errorf("get variables of %s: %w", nid, err)
			}
			c.logger.Printf("chartscript verify nid=%s parameters=%d variables=%d", nid, len(params), len(vars))
		}
	}

	chart, err := c.api.GetChart(ctx, cid)
	if err != nil {
		return fmt.Errorf("get chart: %w", err)
	}
	res.Chart = chart
	statusURL, err := c.api.RunChart(ctx, cid)
	if err != nil {
		return fmt.Errorf("run chart: %w", err)
	}
	res.StatusURL = statusURL
	c.logger.Printf("chartscript run cid=%s nodes=%d status_url=%s", cid, len(res.Nodes), statusURL)
	return nil
}

func (c *Compiler) applyEntry(ctx context.Context, res *Result, nid string, e Entry) error {
	if e.Err != nil {
		c.warn(res, e.Err)
		return nil
	}
	cid := res.CID

	if e.Kind == EntryParam {
		if name, ok := c.validators[e.Name]; ok {
			test, _ := validate.Lookup(name)
			if check := test(e.Value); !check.Pass {
				c.warn(res, &InvalidValueError{Line: e.Line, Key: e.Name, Value: e.Value, Validator: name, Detail: check.Detail})
				return nil
			}
		}
		status, err := c.api.SetParameter(ctx, cid, nid, e.Name, e.Value)
		if err != nil {
			return fmt.Errorf("set parameter %s on %s: %w", e.Name, nid, err)
		}
		if status != flowr.ResultSaved {
			c.warn(res, fmt.Errorf("line %d: set parameter %s on %s answered %q", e.Line, e.Name, nid, status))
		}
		return nil
	}

	generated, err := c.api.NewVariable(ctx, cid, nid)
	if err != nil {
		return fmt.Errorf("new variable on %s: %w", nid, err)
	}
	if _, err := c.api.RenameVariable(ctx, cid, nid, generated, e.Name); err != nil {
		return fmt.Errorf("rename variable %s to %s: %w", generated, e.Name, err)
	}
	if _, err := c.api.SetVariableDefinition(ctx, cid, nid, e.Name, e.Value); err != nil {
		return fmt.Errorf("define variable %s: %w", e.Name, err)
	}
	return nil
}

func (c *Compiler) warn(res *Result, err error) {
	res.Warnings = append(res.Warnings, err)
	var missing *MissingValueError
	if errors.As(err, &missing) {
		c.logger.Printf("chartscript skip line=%d key=%s reason=no value", missing.Line, missing.Key)
		return
	}
	c.logger.Printf("chartscript warning: %v", err)
}

func (c *Compiler) abandon(ctx context.Context, cid string) {
	if !c.cleanup || cid == "" {
		return
	}
	answer, err := c.api.DeleteChart(context.WithoutCancel(ctx), cid)
	if err != nil {
		c.logger.Printf("chartscript cleanup failed cid=%s: %v", cid, err)
		return
	}
	c.logger.Printf("chartscript cleanup cid=%s result=%s", cid, answer)
}
