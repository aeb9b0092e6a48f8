package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/graph"
	"github.com/vanshika/votetrace/internal/store"
)

func TestRegistry_RegisterPath(t *testing.T) {
	mem := graph.NewMemoryClient()
	reg := New(mem)

	meta := domain.PathMetadata{
		RegionID:         12,
		RegionName:       "North",
		ElectionName:     "General 2024",
		ConstituencyName: "Riverside",
		ConstituencyID:   "ABC123",
	}
	if err := reg.RegisterPath(context.Background(), meta); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	calls := mem.Writes()
	if len(calls) != 1 {
		t.Fatalf("expected 1 write query, got %d", len(calls))
	}
	call := calls[0]
	if call.Query != registerPathCypher {
		t.Fatalf("unexpected query\nexpected:\n%s\ngot:\n%s", registerPathCypher, call.Query)
	}
	if call.Params["regionId"] != int64(12) {
		t.Errorf("expected regionId 12 as int64, got %#v", call.Params["regionId"])
	}
	if call.Params["constituencyId"] != "ABC123" {
		t.Errorf("expected constituencyId ABC123, got %v", call.Params["constituencyId"])
	}
	if call.Params["electionName"] != "General 2024" {
		t.Errorf("expected electionName, got %v", call.Params["electionName"])
	}
}

func TestRegistry_RegisterPathOnlyMatchesConstituency(t *testing.T) {
	if !strings.Contains(registerPathCypher, "MATCH (c:Constituency {id: $constituencyId})") {
		t.Fatal("expected the constituency to be matched")
	}
	if strings.Contains(registerPathCypher, "MERGE (c:Constituency") {
		t.Fatal("registering a path must not create constituencies")
	}
	if !strings.HasPrefix(strings.TrimSpace(registerPathCypher), "MERGE (r:Region {id: $regionId})") {
		t.Fatal("expected the region to be upserted before the constituency match")
	}
}

func TestRegistry_RegisterPathRequiresID(t *testing.T) {
	mem := graph.NewMemoryClient()
	if err := New(mem).RegisterPath(context.Background(), domain.PathMetadata{RegionID: 1}); err == nil {
		t.Fatal("expected error for missing constituency id")
	}
	if len(mem.Writes()) != 0 {
		t.Fatal("expected no write for invalid metadata")
	}
}

func TestRegistry_RegisterPathWrapsClientError(t *testing.T) {
	boom := errors.New("bolt down")
	reg := New(graph.NewMemoryClient().FailWith(boom))
	err := reg.RegisterPath(context.Background(), domain.PathMetadata{ConstituencyID: "ABC123"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}

func TestRegistry_GetConstituency(t *testing.T) {
	start := time.Date(2024, 9, 6, 6, 0, 0, 0, time.UTC)
	mem := graph.NewMemoryClient()
	mem.Reader = func(st graph.Statement) (graph.Result, error) {
		if st.Params["constituencyId"] != "ABC123" {
			return graph.Result{}, nil
		}
		return graph.Result{Records: []graph.Record{{
			"id":               "ABC123",
			"name":             "Riverside",
			"regionId":         int64(12),
			"electionId":       "GE-2024",
			"electionName":     "General 2024",
			"registeredVoters": int64(300),
			"electionStart":    start.Format(time.RFC3339),
		}}}, nil
	}
	reg := New(mem)

	c, err := reg.GetConstituency(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.RegionID != 12 || c.RegisteredVoters != 300 {
		t.Fatalf("unexpected numeric fields %+v", c)
	}
	if !c.ElectionStart.Equal(start) {
		t.Fatalf("expected election start %s, got %s", start, c.ElectionStart)
	}
	if c.ElectionID != "GE-2024" {
		t.Fatalf("expected election id GE-2024, got %s", c.ElectionID)
	}

	if _, err := reg.GetConstituency(context.Background(), "MISSING"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := len(mem.Reads()); got != 2 {
		t.Fatalf("expected 2 reads, got %d", got)
	}
}

func TestToTime(t *testing.T) {
	ts := time.Date(2024, 9, 6, 6, 0, 0, 0, time.FixedZone("X", 3600))
	cases := []struct {
		name string
		in   any
		want time.Time
	}{
		{"native", ts, ts.UTC()},
		{"string", "2024-09-06T05:00:00Z", ts.UTC()},
		{"empty", "", time.Time{}},
		{"garbage", "yesterday", time.Time{}},
		{"nil", nil, time.Time{}},
	}
	for _, tc := range cases {
		if got := toTime(tc.in); !got.Equal(tc.want) {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
