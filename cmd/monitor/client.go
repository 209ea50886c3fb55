package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowr_agency/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) listSimulations(limit int) ([]domain.Simulation, error) {
	var out []domain.Simulation
	if err := c.getJSON(fmt.Sprintf("/simulations?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type simulationDetail struct {
	Simulation domain.Simulation        `json:"simulation"`
	Report     *domain.SimulationReport `json:"report,omitempty"`
}

func (c *client) getSimulation(simID string) (simulationDetail, error) {
	var out simulationDetail
	err := c.getJSON("/simulations/"+simID, &out)
	return out, err
}

func (c *client) listPlayers(simID string) ([]domain.PlayerState, error) {
	var out []domain.PlayerState
	if err := c.getJSON(fmt.Sprintf("/simulations/%s/players", simID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listAttempts(simID string, limit int) ([]domain.ChartAttempt, error) {
	var out []domain.ChartAttempt
	if err := c.getJSON(fmt.Sprintf("/simulations/%s/attempts?limit=%d", simID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listBroadcasts(simID string, limit int) ([]domain.BroadcastRecord, error) {
	var out []domain.BroadcastRecord
	if err := c.getJSON(fmt.Sprintf("/simulations/%s/broadcasts?limit=%d", simID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRepairs(simID string, limit int) ([]domain.Repair, error) {
	var out []domain.Repair
	if err := c.getJSON(fmt.Sprintf("/simulations/%s/repairs?limit=%d", simID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listDecisions(simID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/simulations/%s/decisions?limit=%d", simID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) startSimulation(agents int, seed uint64) (domain.Simulation, error) {
	var sim domain.Simulation
	err := c.postJSON("/simulations", map[string]any{"agents": agents, "seed": seed}, &sim)
	return sim, err
}

func (c *client) cancelSimulation(simID string) error {
	return c.postJSON(fmt.Sprintf("/simulations/%s/cancel", simID), nil, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
