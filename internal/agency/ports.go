package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"flowr_agency/internal/chartscript"
	"flowr_agency/internal/domain"
	"flowr_agency/internal/flowr"
)

// Port is how a node type joins a chain: Output is the output tree field it
// exposes, Input the parameter that takes the upstream list. Either may be
// empty.
type Port struct {
	Output string `json:"output,omitempty"`
	Input  string `json:"input,omitempty"`
}

// inputHints rank parameter names that take a list from upstream, best first.
var inputHints = []string{"stringstocategorise", "tocategorise", "input", "strings", "texts", "words"}

// portCache remembers discovered ports per node type for the life of a runner.
type portCache struct {
	mu    sync.Mutex
	ports map[string]Port
}

func (c *portCache) missing(nodes []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(nodes))
	var out []string
	for _, node := range nodes {
		if _, ok := c.ports[node]; ok || seen[node] {
			continue
		}
		seen[node] = true
		out = append(out, node)
	}
	return out
}

func (c *portCache) store(found map[string]Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ports == nil {
		c.ports = make(map[string]Port, len(found))
	}
	for node, p := range found {
		c.ports[node] = p
	}
}

func (c *portCache) lookup(nodes []string) map[string]Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Port, len(nodes))
	for _, node := range nodes {
		if p, ok := c.ports[node]; ok {
			out[node] = p
		}
	}
	return out
}

// discoverPorts adds every node type not yet cached to a scratch chart, reads
// its output tree and parameters, then deletes the chart.
func (r *FlowrRunner) discoverPorts(ctx context.Context, nodes []string) (map[string]Port, error) {
	todo := r.ports.missing(nodes)
	if len(todo) == 0 {
		return r.ports.lookup(nodes), nil
	}
	cid, err := r.api.NewChart(ctx)
	if err != nil {
		return nil, fmt.Errorf("scratch chart: %w", err)
	}
	defer r.discard(ctx, cid)

	found := make(map[string]Port, len(todo))
	for _, node := range todo {
		nid, err := r.api.AddNode(ctx, cid, node)
		if err != nil {
			return nil, fmt.Errorf("add node %s: %w", node, err)
		}
		tree, err := r.api.GetOutputTree(ctx, cid, nid)
		if err != nil {
			return nil, fmt.Errorf("output tree of %s: %w", nid, err)
		}
		params, err := r.api.GetParameters(ctx, cid, nid)
		if err != nil {
			return nil, fmt.Errorf("parameters of %s: %w", nid, err)
		}
		p := Port{Output: OutputField(tree), Input: InputParameter(params)}
		found[node] = p
		r.logger.Printf("agency port node=%s output=%q input=%q", node, p.Output, p.Input)
	}
	r.ports.store(found)
	return r.ports.lookup(nodes), nil
}

// OutputField picks the first field named in an output tree. Tree nodes may
// carry their label under name, text or label; children are preferred over
// the label of their parent, which is usually the node itself.
func OutputField(tree json.RawMessage) string {
	var v any
	if len(tree) == 0 || json.Unmarshal(tree, &v) != nil {
		return ""
	}
	return firstField(v)
}

func firstField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if f := firstField(item); f != "" {
				return f
			}
		}
	case map[string]any:
		if children, ok := t["children"].([]any); ok && len(children) > 0 {
			if f := firstField(children); f != "" {
				return f
			}
		}
		for _, key := range []string{"name", "text", "label"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			if k != "children" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			return keys[0]
		}
	}
	return ""
}

// InputParameter picks the parameter that should receive upstream output, or
// "" when none looks like a list input.
func InputParameter(params []flowr.Parameter) string {
	names := make([]string, 0, len(params))
	for _, p := range params {
		for _, key := range []string{"name", "pname"} {
			if s, ok := p[key].(string); ok && s != "" {
				names = append(names, s)
				break
			}
		}
	}
	for _, hint := range inputHints {
		for _, name := range names {
			if strings.Contains(strings.ToLower(name), hint) {
				return name
			}
		}
	}
	return ""
}

// linkVariable is the chart-wide variable node k exports to node k+1.
func linkVariable(k int) string {
	return fmt.Sprintf("link%d", k)
}

// SpecStanzas lays spec out one stanza per node. Where node k exposes an
// output and node k+1 takes an input, node k defines #linkK = field[*] and
// node k+1 binds its input parameter to #linkK.
func SpecStanzas(spec domain.ChartSpec, ports map[string]Port) []chartscript.Stanza {
	stanzas := make([]chartscript.Stanza, 0, len(spec.Nodes))
	seen := make(map[string]int, len(spec.Nodes))
	for _, node := range spec.Nodes {
		stanzas = append(stanzas, chartscript.Stanza{
			Header:   chartscript.InstanceHeader(node, seen[node]),
			NodeType: node,
		})
		seen[node]++
	}
	for k := 0; k+1 < len(spec.Nodes); k++ {
		out := ports[spec.Nodes[k]].Output
		in := ports[spec.Nodes[k+1]].Input
		if out == "" || in == "" {
			continue
		}
		expr := out
		if !strings.Contains(expr, "[") {
			expr += "[*]"
		}
		name := linkVariable(k)
		stanzas[k].Entries = append(stanzas[k].Entries, chartscript.Entry{Kind: chartscript.EntryOutput, Name: name, Value: expr})
		stanzas[k+1].Entries = append(stanzas[k+1].Entries, chartscript.Entry{Kind: chartscript.EntryParam, Name: in, Value: "#" + name})
	}
	return stanzas
}

// SpecScript renders spec in the chart script format. With nil ports every
// stanza is a bare header.
func SpecScript(spec domain.ChartSpec, ports map[string]Port) string {
	return chartscript.Render(SpecStanzas(spec, ports))
}
