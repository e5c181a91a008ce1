package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/clue/log"
)

// DefaultExternalTimeout bounds one external solver call.
const DefaultExternalTimeout = 30 * time.Second

type (
	// External calls a constraint solver over HTTP and falls back to greedy
	// on any failure: timeout, transport error, non-2xx status, or a
	// malformed response.
	External struct {
		endpoint string
		client   *http.Client
		timeout  time.Duration
		fallback *Greedy
	}

	// ExternalOptions configures the external solver.
	ExternalOptions struct {
		// Endpoint receives POSTed solve requests. Required.
		Endpoint string
		// Client is the HTTP client. Defaults to http.DefaultClient.
		Client *http.Client
		// Timeout bounds one call. Defaults to DefaultExternalTimeout.
		Timeout time.Duration
		// Fallback solves when the endpoint fails. Required.
		Fallback *Greedy
	}

	solveRequest struct {
		Input
		MaxCandidates int `json:"max_candidates"`
	}

	solveResponse struct {
		Candidates []ScoredCandidate `json:"candidates"`
	}
)

// Compile-time check that External implements Solver.
var _ Solver = (*External)(nil)

// NewExternal builds the external solver.
func NewExternal(opts ExternalOptions) (*External, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if opts.Fallback == nil {
		return nil, errors.New("fallback solver is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	return &External{
		endpoint: opts.Endpoint,
		client:   client,
		timeout:  timeout,
		fallback: opts.Fallback,
	}, nil
}

// Solve tries the external endpoint and falls back to greedy on any failure.
func (e *External) Solve(ctx context.Context, in Input, maxCandidates int) ([]ScoredCandidate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	candidates, err := e.call(ctx, in, maxCandidates)
	if err != nil {
		log.Printf(ctx, "external solver failed, falling back to greedy: %v", err)
		return e.fallback.Solve(ctx, in, maxCandidates)
	}
	return candidates, nil
}

func (e *External) call(ctx context.Context, in Input, maxCandidates int) ([]ScoredCandidate, error) {
	body, err := json.Marshal(solveRequest{Input: in, MaxCandidates: maxCandidates})
	if err != nil {
		return nil, fmt.Errorf("marshal solve request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call external solver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("external solver returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read solver response: %w", err)
	}
	var out solveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	if out.Candidates == nil {
		return nil, errors.New("solver response carries no candidates field")
	}
	for i := 1; i < len(out.Candidates); i++ {
		if out.Candidates[i].Score > out.Candidates[i-1].Score {
			return nil, errors.New("solver response is not sorted by score")
		}
	}
	if len(out.Candidates) > maxCandidates {
		out.Candidates = out.Candidates[:maxCandidates]
	}
	return out.Candidates, nil
}
