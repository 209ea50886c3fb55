package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"flowr_agency/internal/chartscript"
	"flowr_agency/internal/domain"
	"flowr_agency/internal/flowr"
)

// fakeFlowr answers output for the last node only when its input parameter is
// bound to a variable the node before it defines.
type fakeFlowr struct {
	calls   []string
	nodes   int
	output  string
	deleted []string
	types   map[string]string
	ports   map[string]Port
	params  map[string]map[string]string
	defs    map[string]string
	order   []string
}

func (f *fakeFlowr) NewChart(context.Context) (string, error) {
	f.calls = append(f.calls, "new_chart")
	f.order = nil
	return fmt.Sprintf("%d", 9+len(f.deleted)), nil
}

func (f *fakeFlowr) DeleteChart(_ context.Context, cid string) (string, error) {
	f.deleted = append(f.deleted, cid)
	return flowr.ResultOK, nil
}

func (f *fakeFlowr) AddNode(_ context.Context, _, nodeType string) (string, error) {
	f.calls = append(f.calls, "add_node "+nodeType)
	nid := chartscript.InstanceHeader(nodeType, f.nodes)
	f.nodes++
	if f.types == nil {
		f.types = make(map[string]string)
	}
	f.types[nid] = nodeType
	f.order = append(f.order, nid)
	return nid, nil
}

func (f *fakeFlowr) GetChart(context.Context, string) (flowr.Chart, error) {
	f.calls = append(f.calls, "get_chart")
	return flowr.Chart{}, nil
}

func (f *fakeFlowr) RunChart(context.Context, string) (string, error) {
	f.calls = append(f.calls, "run_chart")
	return "status", nil
}

func (f *fakeFlowr) GetOutputTree(_ context.Context, _, nid string) (json.RawMessage, error) {
	f.calls = append(f.calls, "get_output_tree "+nid)
	out := f.ports[f.types[nid]].Output
	if out == "" {
		return json.RawMessage(`[]`), nil
	}
	return json.RawMessage(fmt.Sprintf(`{"text":%q,"children":[{"text":%q}]}`, nid, out)), nil
}

func (f *fakeFlowr) GetParameters(_ context.Context, _, nid string) ([]flowr.Parameter, error) {
	f.calls = append(f.calls, "get_parameters "+nid)
	params := []flowr.Parameter{{"name": "dataFile"}}
	if in := f.ports[f.types[nid]].Input; in != "" {
		params = append(params, flowr.Parameter{"name": in})
	}
	return params, nil
}

func (f *fakeFlowr) SetParameter(_ context.Context, _, nid, name, value string) (string, error) {
	if f.params == nil {
		f.params = make(map[string]map[string]string)
	}
	if f.params[nid] == nil {
		f.params[nid] = make(map[string]string)
	}
	f.params[nid][name] = value
	return flowr.ResultSaved, nil
}

func (f *fakeFlowr) NewVariable(context.Context, string, string) (string, error) {
	return "#newVar0", nil
}

func (f *fakeFlowr) RenameVariable(context.Context, string, string, string, string) ([]flowr.Variable, error) {
	return nil, nil
}

func (f *fakeFlowr) GetVariables(context.Context, string, string) ([]flowr.Variable, error) {
	return nil, nil
}

func (f *fakeFlowr) SetVariableDefinition(_ context.Context, _, nid, name, definition string) ([]flowr.Variable, error) {
	if f.defs == nil {
		f.defs = make(map[string]string)
	}
	f.defs[name] = nid + " " + definition
	return nil, nil
}

func (f *fakeFlowr) WaitForRun(context.Context, string, time.Duration) (flowr.RunStatus, error) {
	f.calls = append(f.calls, "wait")
	return flowr.RunStatus{Status: "idle"}, nil
}

func (f *fakeFlowr) GetNodeOutput(_ context.Context, _, nid string) (string, error) {
	f.calls = append(f.calls, "get_node_output "+nid)
	if len(f.order) < 2 || f.order[len(f.order)-1] != nid {
		return f.output, nil
	}
	prev := f.order[len(f.order)-2]
	in := f.ports[f.types[nid]].Input
	bound := strings.TrimPrefix(f.params[nid][in], "#")
	want := prev + " " + f.ports[f.types[prev]].Output + "[*]"
	if in == "" || bound == "" || f.defs[bound] != want {
		return "", nil
	}
	return f.output, nil
}

var chainPorts = map[string]Port{
	"text.retrievers.Alpha":   {Output: "answers"},
	"text.categorisers.Words": {Output: "textsWithoutWord", Input: "stringsToCategorise"},
}

func TestFlowrRunner(t *testing.T) {
	api := &fakeFlowr{output: "one\ntwo\n\nthree\n", ports: chainPorts}
	runner, err := NewFlowrRunner(api, RunnerConfig{PollInterval: time.Millisecond}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	spec := domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha", "text.categorisers.Words"}}
	res, err := runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CID != "10" || res.OutputLines != 3 || res.Status != "idle" {
		t.Fatalf("result=%+v", res)
	}
	want := []string{
		"new_chart",
		"add_node text.retrievers.Alpha",
		"get_output_tree text.retrievers.Alpha.Alpha_0",
		"get_parameters text.retrievers.Alpha.Alpha_0",
		"add_node text.categorisers.Words",
		"get_output_tree text.categorisers.Words.Words_1",
		"get_parameters text.categorisers.Words.Words_1",
		"new_chart",
		"add_node text.retrievers.Alpha",
		"add_node text.categorisers.Words",
		"get_chart",
		"run_chart",
		"wait",
		"get_node_output text.categorisers.Words.Words_3",
	}
	if !reflect.DeepEqual(api.calls, want) {
		t.Fatalf("calls=%v want=%v", api.calls, want)
	}
	if !reflect.DeepEqual(api.deleted, []string{"9", "10"}) {
		t.Fatalf("deleted=%v", api.deleted)
	}
	wantScript := "text.retrievers.Alpha.Alpha_0\n#link0 = answers[*]\n\ntext.categorisers.Words.Words_0\nstringsToCategorise:#link0"
	if res.Script != wantScript {
		t.Fatalf("script=%q want=%q", res.Script, wantScript)
	}

	api.calls = nil
	if _, err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if api.calls[0] != "new_chart" || api.calls[1] != "add_node text.retrievers.Alpha" || api.calls[2] != "add_node text.categorisers.Words" {
		t.Fatalf("ports were discovered twice: %v", api.calls)
	}

	if _, err := runner.Run(context.Background(), domain.ChartSpec{}); err != ErrEmptyChart {
		t.Fatalf("empty spec err=%v", err)
	}
}

func TestFlowrRunnerUnlinkedChainIsQuiet(t *testing.T) {
	api := &fakeFlowr{output: "one\n", ports: map[string]Port{
		"text.retrievers.Alpha": {Output: "answers"},
		"utility.null.Plain":    {},
	}}
	runner, err := NewFlowrRunner(api, RunnerConfig{PollInterval: time.Millisecond}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	res, err := runner.Run(context.Background(), domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha", "utility.null.Plain"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OutputLines != 0 || strings.Contains(res.Script, "#") {
		t.Fatalf("result=%+v", res)
	}
}

func TestFlowrRunnerKeepsCharts(t *testing.T) {
	api := &fakeFlowr{output: "[]"}
	runner, err := NewFlowrRunner(api, RunnerConfig{KeepCharts: true}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	res, err := runner.Run(context.Background(), domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OutputLines != 0 || len(api.deleted) != 0 {
		t.Fatalf("lines=%d deleted=%v", res.OutputLines, api.deleted)
	}
}

func TestSpecScript(t *testing.T) {
	script := SpecScript(domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha", "utility.null.Plain", "utility.null.Plain"}}, nil)
	want := "text.retrievers.Alpha.Alpha_0\n\nutility.null.Plain.Plain_0\n\nutility.null.Plain.Plain_1"
	if script != want {
		t.Fatalf("script=%q want=%q", script, want)
	}
	stanzas, err := chartscript.Parse(script)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stanzas) != 3 || stanzas[2].NodeType != "utility.null.Plain" {
		t.Fatalf("stanzas=%+v", stanzas)
	}
}

func TestSpecScriptChainsThreeNodes(t *testing.T) {
	ports := map[string]Port{
		"r": {Output: "answers"},
		"c": {Output: "texts[0]", Input: "stringsToCategorise"},
	}
	stanzas := SpecStanzas(domain.ChartSpec{Nodes: []string{"r", "c", "c"}}, ports)
	got := chartscript.Render(stanzas)
	want := "r.r_0\n#link0 = answers[*]\n\nc.c_0\nstringsToCategorise:#link0\n#link1 = texts[0]\n\nc.c_1\nstringsToCategorise:#link1"
	if got != want {
		t.Fatalf("script=%q want=%q", got, want)
	}
	reparsed, err := chartscript.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e := reparsed[1].Entries[1]; e.Kind != chartscript.EntryOutput || e.Name != "link1" || e.Err != nil {
		t.Fatalf("entry=%+v", e)
	}
}

func TestOutputField(t *testing.T) {
	tests := []struct {
		tree string
		want string
	}{
		{tree: `{"text":"ConceptNet_0","children":[{"text":"answers"},{"text":"facts"}]}`, want: "answers"},
		{tree: `[{"name":"answers[*]"}]`, want: "answers[*]"},
		{tree: `["texts"]`, want: "texts"},
		{tree: `{"words":[],"answers":[]}`, want: "answers"},
		{tree: `[]`, want: ""},
		{tree: `not json`, want: ""},
	}
	for _, tc := range tests {
		if got := OutputField(json.RawMessage(tc.tree)); got != tc.want {
			t.Fatalf("OutputField(%s)=%q want=%q", tc.tree, got, tc.want)
		}
	}
}

func TestInputParameter(t *testing.T) {
	params := []flowr.Parameter{
		{"name": "wordListFileName"},
		{"name": "stringArraysToCategorise"},
		{"name": "stringsToCategorise"},
		{"pname": "inputText"},
	}
	if got := InputParameter(params); got != "stringsToCategorise" {
		t.Fatalf("input=%q", got)
	}
	if got := InputParameter(params[3:]); got != "inputText" {
		t.Fatalf("input=%q", got)
	}
	if got := InputParameter([]flowr.Parameter{{"name": "dataFile"}}); got != "" {
		t.Fatalf("input=%q", got)
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		output string
		want   int
	}{
		{output: "", want: 0},
		{output: "  \n\n", want: 0},
		{output: "a\nb\n", want: 2},
		{output: `["a","b","c"]`, want: 3},
		{output: `[]`, want: 0},
		{output: `{"answers":["a","b"],"words":["x"]}`, want: 2},
		{output: `{"count":3}`, want: 1},
		{output: "[not json\nsecond", want: 2},
	}
	for _, tc := range tests {
		if got := CountLines(tc.output); got != tc.want {
			t.Fatalf("CountLines(%q)=%d want=%d", tc.output, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		lines int
		want  domain.Outcome
	}{
		{lines: 0, want: domain.OutcomeNoOutput},
		{lines: 1, want: domain.OutcomeSuccess},
		{lines: 100, want: domain.OutcomeSuccess},
		{lines: 101, want: domain.OutcomeTooMuchOutput},
	}
	for _, tc := range tests {
		if got := Classify(tc.lines, 100); got != tc.want {
			t.Fatalf("Classify(%d)=%s want=%s", tc.lines, got, tc.want)
		}
	}
}

func TestRepairCandidates(t *testing.T) {
	quiet := domain.ChartAttempt{
		Spec:    domain.ChartSpec{Nodes: []string{"r", "a", "n", "b"}},
		Outcome: domain.OutcomeNoOutput,
	}
	cands := repairCandidates(quiet, "n")
	if len(cands) != 2 {
		t.Fatalf("candidates=%+v", cands)
	}
	if got := strings.Join(cands[0].Spec.Nodes, ","); got != "r,n,n,b" || cands[0].Position != 1 {
		t.Fatalf("first=%+v", cands[0])
	}
	if got := strings.Join(cands[1].Spec.Nodes, ","); got != "r,a,n,n" || cands[1].Position != 3 {
		t.Fatalf("second=%+v", cands[1])
	}
	if quiet.Spec.Nodes[1] != "a" {
		t.Fatalf("original spec was modified: %v", quiet.Spec.Nodes)
	}

	loud := domain.ChartAttempt{Spec: domain.ChartSpec{Nodes: []string{"r"}}, Outcome: domain.OutcomeTooMuchOutput}
	cands = repairCandidates(loud, "n")
	if len(cands) != 1 || cands[0].Strategy != domain.RepairStrategyAppend || cands[0].Position != 1 {
		t.Fatalf("append candidates=%+v", cands)
	}

	lonely := domain.ChartAttempt{Spec: domain.ChartSpec{Nodes: []string{"r"}}, Outcome: domain.OutcomeNoOutput}
	if cands := repairCandidates(lonely, "n"); len(cands) != 0 {
		t.Fatalf("retriever must not be replaced: %+v", cands)
	}
	if cands := repairCandidates(domain.ChartAttempt{Outcome: domain.OutcomeError}, "n"); cands != nil {
		t.Fatalf("error outcome candidates=%+v", cands)
	}
}
