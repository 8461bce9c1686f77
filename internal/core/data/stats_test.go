package data

import (
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestStatsSnapshots(t *testing.T) {
	db := setUpDatabase(t)
	start := time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC)

	snapshots := []*StatsSnapshot{
		{CerverName: "my-cerver", PeriodStart: start, PeriodEnd: start.Add(2 * time.Hour), PacketsReceived: 20, AppPackets: 18, BadPackets: 2},
		{CerverName: "my-cerver", PeriodStart: start, PeriodEnd: start.Add(time.Hour), PacketsReceived: 10, AppPackets: 10},
		{CerverName: "other", PeriodStart: start, PeriodEnd: start.Add(time.Hour), PacketsReceived: 1},
	}
	for _, s := range snapshots {
		if err := SaveStatsSnapshot(db, s); err != nil {
			t.Fatalf("SaveStatsSnapshot() returned an unexpected error: %v", err)
		}
	}

	found, err := FindStatsSnapshots(db, "my-cerver")
	if err != nil {
		t.Fatalf("FindStatsSnapshots() returned an unexpected error: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(found))
	}

	got := []uint64{found[0].PacketsReceived, found[1].PacketsReceived, found[1].BadPackets}
	if diff := deep.Equal(got, []uint64{10, 20, 2}); diff != nil {
		t.Errorf("snapshots were not ordered by period end: %v", diff)
	}

	deleted, err := DeleteStatsSnapshotsBefore(db, "my-cerver", start.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteStatsSnapshotsBefore() returned an unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 snapshot to be deleted, got %d", deleted)
	}

	found, err = FindStatsSnapshots(db, "my-cerver")
	if err != nil {
		t.Fatalf("FindStatsSnapshots() returned an unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].PacketsReceived != 20 {
		t.Errorf("expected only the later snapshot to remain, got %+v", found)
	}

	// Other cervers keep their snapshots.
	found, err = FindStatsSnapshots(db, "other")
	if err != nil {
		t.Fatalf("FindStatsSnapshots() returned an unexpected error: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("expected the other cerver's snapshot to remain, got %d", len(found))
	}
}
