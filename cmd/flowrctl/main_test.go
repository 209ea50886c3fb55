package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"flowr_agency/internal/catalog"
	"flowr_agency/internal/simulation"
)

type fakeFlowr struct {
	mu       sync.Mutex
	requests []url.Values
	answers  map[string]string
}

func (f *fakeFlowr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, r.PostForm)
	answer := f.answers[r.PostForm.Get("c")]
	f.mu.Unlock()
	_, _ = io.WriteString(w, answer)
}

func (f *fakeFlowr) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Get("c")
	}
	return out
}

// run executes flowrctl against svc with an empty config file.
func run(t *testing.T, svc *fakeFlowr, stdin string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	full := []string{"--config", cfgPath, "--token", "tok", "--email", "me@example.org"}
	if svc != nil {
		server := httptest.NewServer(svc)
		t.Cleanup(server.Close)
		full = append(full, "--endpoint", server.URL+"/")
	}
	full = append(full, args...)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(full)
	err := root.Execute()
	return out.String(), err
}

func TestAddNodeCommand(t *testing.T) {
	svc := &fakeFlowr{answers: map[string]string{"add_node": "utility.null.Plain.Plain_0\n"}}
	out, err := run(t, svc, "", "add-node", "7", "utility.null.Plain")
	if err != nil {
		t.Fatalf("add-node: %v", err)
	}
	if out != "utility.null.Plain.Plain_0\n" {
		t.Fatalf("output=%q", out)
	}
	req := svc.requests[0]
	if req.Get("cid") != "7" || req.Get("type") != "utility.null.Plain" || req.Get("api_token") != "tok" {
		t.Fatalf("request=%v", req)
	}
}

func TestAPICommandArgCount(t *testing.T) {
	if _, err := run(t, &fakeFlowr{}, "", "set-parameter", "1", "2"); err == nil {
		t.Fatalf("expected an argument count error")
	}
}

func TestCompileFromStdin(t *testing.T) {
	svc := &fakeFlowr{answers: map[string]string{
		"new_chart":     "12",
		"add_node":      "text.retrievers.ConceptNet.ConceptNet_0",
		"set_parameter": "saved",
		"get_chart":     `{"boxes":[]}`,
		"run_chart":     "status-url",
	}}
	script := "text.retrievers.ConceptNet.ConceptNet_0\nrelation: IsA\n"
	out, err := run(t, svc, script, "compile")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var got compileOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if got.CID != "12" || got.StatusURL != "status-url" || len(got.Nodes) != 1 {
		t.Fatalf("output=%+v", got)
	}
	want := []string{"new_chart", "add_node", "set_parameter", "get_chart", "run_chart"}
	if cmds := svc.commands(); strings.Join(cmds, ",") != strings.Join(want, ",") {
		t.Fatalf("commands=%v want=%v", cmds, want)
	}
}

func writeNodesFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "nodes.txt")
	nodes := strings.Join([]string{
		"# node types",
		"text.retrievers.Alpha",
		"text.retrievers.Beta",
		"text.retrievers.Gamma",
		"utility.Sort",
		"utility.Filter",
		"grammar.tenses.Past",
		"",
	}, "\n")
	if err := os.WriteFile(p, []byte(nodes), 0o644); err != nil {
		t.Fatalf("write nodes: %v", err)
	}
	return p
}

func TestDealFromNodesFile(t *testing.T) {
	out, err := run(t, nil, "", "deal", "--nodes-file", writeNodesFile(t), "--agents", "2", "--seed", "3")
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	var got dealOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Seed != 3 || len(got.Hands) != 2 {
		t.Fatalf("output=%+v", got)
	}
	total := 0
	for name, hand := range got.Hands {
		if !strings.HasPrefix(hand[0], catalog.RetrieverCategory+"."+catalog.RetrieverSubcategory+".") {
			t.Fatalf("%s does not start with a retriever: %v", name, hand)
		}
		total += len(hand)
	}
	// Gamma is a surplus retriever and stays undealt.
	if total != 5 {
		t.Fatalf("dealt %d nodes want 5", total)
	}

	again, err := run(t, nil, "", "deal", "--nodes-file", writeNodesFile(t), "--agents", "2", "--seed", "3")
	if err != nil || again != out {
		t.Fatalf("same seed dealt differently: %q vs %q (err=%v)", again, out, err)
	}
}

func TestDealInsufficientRetrievers(t *testing.T) {
	_, err := run(t, nil, "", "deal", "--nodes-file", writeNodesFile(t), "--agents", "4")
	if err == nil || !strings.Contains(err.Error(), "insufficient retrievers") {
		t.Fatalf("err=%v", err)
	}
}

func TestBroadcastUntilShared(t *testing.T) {
	out, err := run(t, nil, "", "broadcast", "--nodes-file", writeNodesFile(t), "--agents", "2", "--seed", "9")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	var got broadcastOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	delivered := 0
	for _, ev := range got.Events {
		if len(ev.Recipients) > 0 {
			delivered++
		}
	}
	if delivered != 5 {
		t.Fatalf("deliveries=%d want one per dealt node, events=%+v", delivered, got.Events)
	}
	for name, hand := range got.Hands {
		if len(hand) != 5 {
			t.Fatalf("%s hand=%v want all 5 dealt nodes", name, hand)
		}
	}
}

func TestBroadcastRoundsUntracked(t *testing.T) {
	c, err := catalog.Build([]string{"text.retrievers.A", "text.retrievers.B", "utility.X"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	state := simulation.NewState(c, simulation.NewRand(1))
	if err := state.Deal(2); err != nil {
		t.Fatalf("deal: %v", err)
	}
	before := len(state.Players[0]) + len(state.Players[1])
	events, err := broadcastRounds(state, 2, 3, true)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("events=%d want 6", len(events))
	}
	if after := len(state.Players[0]) + len(state.Players[1]); after != before+6 {
		t.Fatalf("hands grew by %d want 6", after-before)
	}
}

func TestPurgeNeedsConfirmation(t *testing.T) {
	svc := &fakeFlowr{}
	if _, err := run(t, svc, "", "purge"); err == nil {
		t.Fatalf("expected confirmation error")
	}
	if len(svc.commands()) != 0 {
		t.Fatalf("purge without --yes reached the service: %v", svc.commands())
	}
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, nil, "", "validate", "FloatInRange", "0.5", "0", "1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, `"pass":true`) {
		t.Fatalf("output=%q", out)
	}
	if _, err := run(t, nil, "", "validate", "IsWord", "two words"); err == nil {
		t.Fatalf("expected failing validator to return an error")
	}
	out, err = run(t, nil, "", "validate", "--list")
	if err != nil || !strings.Contains(out, "IsRegex\n") {
		t.Fatalf("list output=%q err=%v", out, err)
	}
}
