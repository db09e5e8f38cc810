package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndRead(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)

	award := &Entry{
		Kind:             KindAward,
		SeasonID:         "s1",
		PhaseID:          "p1",
		ContestantID:     "c1",
		BidID:            "b1",
		BuyerPortfolioID: "pf1",
		Shares:           5,
		Price:            decimal.RequireFromString("2.25"),
		Amount:           decimal.RequireFromString("11.25"),
		SeedKey:          "p1:c1:2.25",
		CreatedAt:        at,
	}
	if err := j.Record(ctx, award); err != nil {
		t.Fatalf("record: %v", err)
	}
	if award.ID == 0 {
		t.Error("expected the row id to be assigned")
	}

	got, err := j.Entries(ctx, Filter{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.Kind != KindAward || e.SeedKey != "p1:c1:2.25" || e.Shares != 5 {
		t.Errorf("unexpected entry %+v", e)
	}
	if !e.Price.Equal(award.Price) || !e.Amount.Equal(award.Amount) {
		t.Errorf("money did not round-trip: %s %s", e.Price, e.Amount)
	}
	if !e.CreatedAt.Equal(at) {
		t.Errorf("time = %s, want %s", e.CreatedAt, at)
	}
}

func TestJournal_Filter(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	entries := []*Entry{
		{Kind: KindAward, SeasonID: "s1", PhaseID: "p1"},
		{Kind: KindTransfer, SeasonID: "s1", PhaseID: "p2"},
		{Kind: KindTransfer, SeasonID: "s1", PhaseID: "p2"},
		{Kind: KindDividend, SeasonID: "s1", WeekNumber: 4},
		{Kind: KindDividend, SeasonID: "s2", WeekNumber: 1},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"by phase", Filter{PhaseID: "p2"}, 2},
		{"by kind", Filter{Kind: KindDividend}, 2},
		{"kind and season", Filter{Kind: KindDividend, SeasonID: "s1"}, 1},
		{"limit", Filter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Entries(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	if err := r.Record(context.Background(), &Entry{Kind: KindAward}); err != nil {
		t.Errorf("nop should never fail: %v", err)
	}
}
