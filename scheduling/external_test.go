package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/ident"
)

func newExternal(t *testing.T, handler http.HandlerFunc) (*External, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ext, err := NewExternal(ExternalOptions{
		Endpoint: srv.URL,
		Client:   srv.Client(),
		Fallback: NewGreedy(),
	})
	require.NoError(t, err)
	return ext, srv
}

func respondCandidates(t *testing.T, w http.ResponseWriter, cands []ScoredCandidate) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(solveResponse{Candidates: cands}))
}

func greedyBaseline(t *testing.T, in Input, max int) []ScoredCandidate {
	t.Helper()
	out, err := NewGreedy().Solve(context.Background(), in, max)
	require.NoError(t, err)
	return out
}

func TestNewExternalRequiresEndpointAndFallback(t *testing.T) {
	_, err := NewExternal(ExternalOptions{Fallback: NewGreedy()})
	assert.Error(t, err)

	_, err = NewExternal(ExternalOptions{Endpoint: "http://solver.internal"})
	assert.Error(t, err)
}

func TestExternalUsesEndpointResponse(t *testing.T) {
	want := []ScoredCandidate{
		{Start: at(14, 0), End: at(15, 0), Score: 90, Explanation: "optimised"},
		{Start: at(9, 0), End: at(10, 0), Score: 40},
	}
	var got solveRequest
	ext, _ := newExternal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respondCandidates(t, w, want)
	})

	out, err := ext.Solve(context.Background(), baseInput(9, 17), 3)
	require.NoError(t, err)
	assert.Equal(t, want, out)
	assert.Equal(t, 3, got.MaxCandidates)
	assert.Equal(t, []ident.AccountID{acctRequired}, got.RequiredAccountIDs)
}

func TestExternalTrimsToMaxCandidates(t *testing.T) {
	ext, _ := newExternal(t, func(w http.ResponseWriter, r *http.Request) {
		respondCandidates(t, w, []ScoredCandidate{
			{Start: at(9, 0), Score: 80},
			{Start: at(10, 0), Score: 70},
			{Start: at(11, 0), Score: 60},
			{Start: at(12, 0), Score: 50},
		})
	})

	out, err := ext.Solve(context.Background(), baseInput(9, 17), 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 80, out[0].Score)
	assert.Equal(t, 70, out[1].Score)
}

func TestExternalValidatesBeforeCalling(t *testing.T) {
	called := false
	ext, _ := newExternal(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	in := baseInput(9, 17)
	in.DurationMinutes = 5
	_, err := ext.Solve(context.Background(), in, 0)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestExternalFallsBackOnFailure(t *testing.T) {
	in := baseInput(9, 12)
	want := greedyBaseline(t, in, 0)

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "solver overloaded", http.StatusServiceUnavailable)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}},
		{"missing candidates field", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ok"}`))
		}},
		{"unsorted response", func(w http.ResponseWriter, r *http.Request) {
			respondCandidates(t, w, []ScoredCandidate{
				{Start: at(9, 0), Score: 10},
				{Start: at(10, 0), Score: 90},
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, _ := newExternal(t, tt.handler)
			out, err := ext.Solve(context.Background(), in, 0)
			require.NoError(t, err)
			assert.Equal(t, want, out)
		})
	}
}

func TestExternalFallsBackOnTransportError(t *testing.T) {
	in := baseInput(9, 12)
	want := greedyBaseline(t, in, 0)

	ext, srv := newExternal(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	out, err := ext.Solve(context.Background(), in, 0)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestExternalAcceptsEmptyCandidateList(t *testing.T) {
	ext, _ := newExternal(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})

	out, err := ext.Solve(context.Background(), baseInput(9, 12), 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestChooseRoutesHardInputsToExternal(t *testing.T) {
	greedy := NewGreedy()
	ext, _ := newExternal(t, func(w http.ResponseWriter, r *http.Request) {})

	hashes := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "hash"
		}
		return out
	}
	constraints := func(n int) []Constraint {
		out := make([]Constraint, n)
		for i := range out {
			out[i] = Constraint{Kind: KindBuffer}
		}
		return out
	}

	tests := []struct {
		name     string
		in       Input
		external *External
		want     Solver
	}{
		{"small meeting stays greedy", Input{ParticipantHashes: hashes(2)}, ext, greedy},
		{"many participants go external", Input{ParticipantHashes: hashes(4)}, ext, ext},
		{"many constraints go external", Input{Constraints: constraints(6)}, ext, ext},
		{"boundary counts stay greedy", Input{ParticipantHashes: hashes(3), Constraints: constraints(5)}, ext, greedy},
		{"no external configured", Input{ParticipantHashes: hashes(10)}, nil, greedy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, Choose(tt.in, tt.external, greedy))
		})
	}
}
