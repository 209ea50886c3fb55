package flowr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChartMeta is one entry of list_user_charts. The service decides the fields;
// only "cid" is relied upon.
type ChartMeta map[string]any

func (m ChartMeta) CID() string {
	v, ok := m["cid"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Chart is the service's snapshot of a chart. An empty chart is
// {"arrows": [], "boxes": []}.
type Chart struct {
	Boxes  []Box             `json:"boxes"`
	Arrows []json.RawMessage `json:"arrows"`
}

type Box struct {
	NodeID string `json:"nodeID"`
}

func (c Chart) NodeIDs() []string {
	out := make([]string, 0, len(c.Boxes))
	for _, b := range c.Boxes {
		out = append(out, b.NodeID)
	}
	return out
}

type Variable struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	SimpleType string `json:"simpletype"`
	Defn       string `json:"defn"`
}

type Parameter map[string]any

type RunStatus struct {
	Status string `json:"status"`
}

// Active reports whether the chart is still executing.
func (s RunStatus) Active() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "running", "queued", "started", "starting":
		return true
	}
	return false
}

// TestAccess checks the token and email.
func (c *Client) TestAccess(ctx context.Context) (string, error) {
	return c.text(ctx, "test_access", nil)
}

// ListAllNodes returns the dotted type of every node the service offers.
func (c *Client) ListAllNodes(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.decode(ctx, "list_all_nodes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListUserCharts(ctx context.Context) ([]ChartMeta, error) {
	var out []ChartMeta
	if err := c.decode(ctx, "list_user_charts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewChart creates an empty chart and returns its id.
func (c *Client) NewChart(ctx context.Context) (string, error) {
	return c.text(ctx, "new_chart", nil)
}

// DeleteChart answers ResultOK or ResultError; a missing or locked chart is
// not a Go error.
func (c *Client) DeleteChart(ctx context.Context, cid string) (string, error) {
	return c.text(ctx, "delete_chart", values("cid", cid))
}

// AddNode returns the new node id, the type plus an instance suffix such as
// text.retrievers.Dictionary.Dictionary_0.
func (c *Client) AddNode(ctx context.Context, cid, nodeType string) (string, error) {
	return c.text(ctx, "add_node", values("cid", cid, "type", nodeType))
}

func (c *Client) DeleteNode(ctx context.Context, cid, nid string) (Chart, error) {
	var out Chart
	err := c.decode(ctx, "delete_node", values("cid", cid, "nid", nid), &out)
	return out, err
}

func (c *Client) GetChart(ctx context.Context, cid string) (Chart, error) {
	var out Chart
	err := c.decode(ctx, "get_chart", values("cid", cid), &out)
	return out, err
}

func (c *Client) ClearOutput(ctx context.Context, cid string) (string, error) {
	return c.text(ctx, "clear_output", values("cid", cid))
}

// RunChart starts execution and returns the URL to poll for status.
func (c *Client) RunChart(ctx context.Context, cid string) (string, error) {
	return c.text(ctx, "run_chart", values("cid", cid))
}

func (c *Client) RunStatus(ctx context.Context, cid string) (RunStatus, error) {
	var out RunStatus
	err := c.decode(ctx, "run_status", values("cid", cid), &out)
	return out, err
}

func (c *Client) GetParameters(ctx context.Context, cid, nid string) ([]Parameter, error) {
	var out []Parameter
	if err := c.decode(ctx, "get_parameters", values("cid", cid, "nid", nid), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetParameter answers ResultSaved or ResultError.
func (c *Client) SetParameter(ctx context.Context, cid, nid, name, value string) (string, error) {
	return c.text(ctx, "set_parameter", values("cid", cid, "nid", nid, "pname", name, "pvalue", value))
}

// NewVariable returns the generated variable name, e.g. "#newVar0".
func (c *Client) NewVariable(ctx context.Context, cid, nid string) (string, error) {
	return c.text(ctx, "new_variable", values("cid", cid, "nid", nid))
}

func (c *Client) RenameVariable(ctx context.Context, cid, nid, oldName, newName string) ([]Variable, error) {
	var out []Variable
	if err := c.decode(ctx, "rename_variable", values("cid", cid, "nid", nid, "vname", oldName, "nname", newName), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteVariable(ctx context.Context, cid, nid, name string) ([]Variable, error) {
	var out []Variable
	if err := c.decode(ctx, "delete_variable", values("cid", cid, "nid", nid, "vname", name), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetVariables(ctx context.Context, cid, nid string) ([]Variable, error) {
	var out []Variable
	if err := c.decode(ctx, "get_variables", values("cid", cid, "nid", nid), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOutputTree describes the outputs a node can expose, e.g.
// {"text": "answers[*]", "type": "ArrayList<String>"} entries.
func (c *Client) GetOutputTree(ctx context.Context, cid, nid string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.decode(ctx, "get_output_tree", values("cid", cid, "nid", nid), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetVariableDefinition binds a variable to an expression; this is how arrows
// between nodes are made.
func (c *Client) SetVariableDefinition(ctx context.Context, cid, nid, name, definition string) ([]Variable, error) {
	var out []Variable
	if err := c.decode(ctx, "set_variable_definition", values("cid", cid, "nid", nid, "vname", name, "vdef", definition), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNodeOutput returns the latest output of a node as sent by the service.
func (c *Client) GetNodeOutput(ctx context.Context, cid, nid string) (string, error) {
	return c.text(ctx, "get_node_output", values("cid", cid, "nid", nid))
}

// GetVariableOutput takes no node id; variable names are chart-wide.
func (c *Client) GetVariableOutput(ctx context.Context, cid, name string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.decode(ctx, "get_variable_output", values("cid", cid, "vname", name), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun polls run_status until the chart is no longer active.
func (c *Client) WaitForRun(ctx context.Context, cid string, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.RunStatus(ctx, cid)
		if err != nil {
			return RunStatus{}, err
		}
		if !status.Active() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PurgeUserCharts deletes every chart owned by the account and returns the
// per-chart answer of delete_chart.
func (c *Client) PurgeUserCharts(ctx context.Context) (map[string]string, error) {
	charts, err := c.ListUserCharts(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[string]string, len(charts))
	for _, meta := range charts {
		cid := meta.CID()
		if cid == "" {
			continue
		}
		res, err := c.DeleteChart(ctx, cid)
		if err != nil {
			return results, fmt.Errorf("delete chart %s: %w", cid, err)
		}
		c.logger.Printf("flowr purge cid=%s result=%s", cid, res)
		results[cid] = res
	}
	return results, nil
}
