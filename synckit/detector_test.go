package synckit

import (
	"testing"
	"time"
)

func snap(ts int64, data Record) *Snapshot {
	return &Snapshot{Data: data, Timestamp: ts}
}

func tombstone(ts int64) *Snapshot {
	return &Snapshot{Deleted: true, Timestamp: ts}
}

func TestDetector_Detect(t *testing.T) {
	key := EntityKey{Type: "task", ID: "t-1"}
	tests := []struct {
		name     string
		stored   Versioned
		remote   Snapshot
		want     Outcome
		wantKind ConflictKind
		ancestor bool
	}{
		{
			name:   "no local adopts remote",
			stored: Versioned{},
			remote: *snap(1, Record{"name": "A"}),
			want:   OutcomeAdopt,
		},
		{
			name:   "equal data is in sync",
			stored: Versioned{Local: snap(1, Record{"name": "A"})},
			remote: *snap(5, Record{"name": "A"}),
			want:   OutcomeInSync,
		},
		{
			name:   "untouched local fast-forwards",
			stored: Versioned{Local: snap(1, Record{"name": "A"}), Ancestor: snap(1, Record{"name": "A"})},
			remote: *snap(2, Record{"name": "B"}),
			want:   OutcomeAdopt,
		},
		{
			name:   "unchanged remote keeps local edit",
			stored: Versioned{Local: snap(2, Record{"name": "L"}), Ancestor: snap(1, Record{"name": "A"})},
			remote: *snap(1, Record{"name": "A"}),
			want:   OutcomeKeepLocal,
		},
		{
			name:     "both changed",
			stored:   Versioned{Local: snap(2, Record{"name": "L"}), Ancestor: snap(1, Record{"name": "A"})},
			remote:   *snap(3, Record{"name": "R"}),
			want:     OutcomeConflict,
			wantKind: KindUpdateUpdate,
			ancestor: true,
		},
		{
			name:     "no ancestor still conflicts",
			stored:   Versioned{Local: snap(2, Record{"name": "L"})},
			remote:   *snap(3, Record{"name": "R"}),
			want:     OutcomeConflict,
			wantKind: KindUpdateUpdate,
		},
		{
			name:     "local delete against remote update",
			stored:   Versioned{Local: tombstone(2), Ancestor: snap(1, Record{"name": "A"})},
			remote:   *snap(3, Record{"name": "R"}),
			want:     OutcomeConflict,
			wantKind: KindUpdateDelete,
			ancestor: true,
		},
		{
			name:     "both deleted",
			stored:   Versioned{Local: tombstone(2), Ancestor: snap(1, Record{"name": "A"})},
			remote:   *tombstone(3),
			want:     OutcomeConflict,
			wantKind: KindDeleteDelete,
			ancestor: true,
		},
		{
			name:   "re-delivered remote keeps unsent resolution",
			stored: Versioned{Local: snap(4, Record{"name": "L"}), Ancestor: snap(4, Record{"name": "L"}), Remote: snap(3, Record{"name": "R"})},
			remote: *snap(3, Record{"name": "R"}),
			want:   OutcomeKeepLocal,
		},
		{
			name:     "newer remote conflicts with unsent resolution",
			stored:   Versioned{Local: snap(4, Record{"name": "L"}), Ancestor: snap(4, Record{"name": "L"}), Remote: snap(3, Record{"name": "R"})},
			remote:   *snap(5, Record{"name": "S"}),
			want:     OutcomeConflict,
			wantKind: KindUpdateUpdate,
			ancestor: true,
		},
		{
			name:   "remote catching up with unsent resolution",
			stored: Versioned{Local: snap(4, Record{"name": "L"}), Ancestor: snap(4, Record{"name": "L"}), Remote: snap(3, Record{"name": "R"})},
			remote: *snap(5, Record{"name": "L"}),
			want:   OutcomeInSync,
		},
		{
			name:   "delete already agreed",
			stored: Versioned{Local: tombstone(2), Ancestor: tombstone(2)},
			remote: *tombstone(3),
			want:   OutcomeInSync,
		},
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &Detector{now: func() time.Time { return at }, newID: func() string { return "c-1" }}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(key, tt.stored, tt.remote)
			if got.Outcome != tt.want {
				t.Fatalf("Outcome = %v, want %v", got.Outcome, tt.want)
			}
			if tt.want != OutcomeConflict {
				if got.Conflict != nil {
					t.Fatalf("unexpected conflict %+v", got.Conflict)
				}
				return
			}
			c := got.Conflict
			if c.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", c.Kind, tt.wantKind)
			}
			if c.Status != StatusPending || c.ID != "c-1" || !c.DetectedAt.Equal(at) {
				t.Fatalf("unexpected conflict header %+v", c)
			}
			if (c.Ancestor != nil) != tt.ancestor {
				t.Fatalf("ancestor present = %v, want %v", c.Ancestor != nil, tt.ancestor)
			}
			if c.AllowsAutoMerge() != tt.ancestor {
				t.Fatalf("AllowsAutoMerge = %v", c.AllowsAutoMerge())
			}
		})
	}
}

func TestDetector_ConflictDoesNotAliasStore(t *testing.T) {
	local := snap(2, Record{"name": "L"})
	d := NewDetector()
	got := d.Detect(EntityKey{Type: "task", ID: "t-1"}, Versioned{Local: local}, *snap(3, Record{"name": "R"}))
	local.Data["name"] = "mutated"
	if got.Conflict.Local.Data["name"] != "L" {
		t.Fatal("conflict shares data with the stored snapshot")
	}
	if got.Conflict.ID == "" {
		t.Fatal("conflict id is empty")
	}
}

func TestDetector_UnsentResolutionUsesRemoteAsBase(t *testing.T) {
	stored := Versioned{
		Local:    snap(4, Record{"name": "L", "desc": "y"}),
		Ancestor: snap(4, Record{"name": "L", "desc": "y"}),
		Remote:   snap(3, Record{"name": "R", "desc": "x"}),
	}
	got := NewDetector().Detect(EntityKey{Type: "task", ID: "t-1"}, stored, *snap(5, Record{"name": "S", "desc": "x"}))
	if got.Outcome != OutcomeConflict {
		t.Fatalf("Outcome = %v, want conflict", got.Outcome)
	}
	if a := got.Conflict.Ancestor; a == nil || a.Data["name"] != "R" {
		t.Fatalf("Ancestor = %+v, want the stored remote side", a)
	}
}
