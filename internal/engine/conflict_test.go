package engine

import (
	"testing"
	"time"

	"tablebridge/engine/internal/models"
)

func stateWith(t *testing.T, hashes map[string]string) *models.SyncState {
	t.Helper()
	s := models.NewSyncState("cfg1")
	now := time.Now().UTC()
	for id, h := range hashes {
		s.Remember(id, h, now)
	}
	return s
}

func TestClassifyFirstRunHasNoConflicts(t *testing.T) {
	d := NewConflictDetector()
	airtable := map[string]string{"rec1": "h1", "rec2": "h2"}
	sheets := map[string]string{"rec2": "h2x", "row_5": "h3"}

	cs := d.Classify(airtable, sheets, nil)

	if len(cs.Conflicts) != 0 {
		t.Fatalf("first run must produce no conflicts, got %d", len(cs.Conflicts))
	}
	if got := cs.Classes["rec1"]; got != ClassNewInAirtable {
		t.Errorf("rec1 = %s, want %s", got, ClassNewInAirtable)
	}
	if got := cs.Classes["row_5"]; got != ClassNewInSheets {
		t.Errorf("row_5 = %s, want %s", got, ClassNewInSheets)
	}
	if got := cs.Classes["rec2"]; got != ClassSeedBoth {
		t.Errorf("rec2 = %s, want %s", got, ClassSeedBoth)
	}
}

func TestClassifyMatrix(t *testing.T) {
	d := NewConflictDetector()
	prev := stateWith(t, map[string]string{
		"same": "h", "aOnly": "h", "sOnly": "h", "both": "h",
		"aDel": "h", "sDel": "h", "aDelChanged": "h", "sDelChanged": "h",
		"goneBoth": "h",
	})
	airtable := map[string]string{
		"same": "h", "aOnly": "h2", "sOnly": "h", "both": "hA",
		"sDel": "h", "sDelChanged": "h2",
	}
	sheets := map[string]string{
		"same": "h", "aOnly": "h", "sOnly": "h2", "both": "hS",
		"aDel": "h", "aDelChanged": "h2",
	}

	cs := d.Classify(airtable, sheets, prev)

	want := map[string]ChangeClass{
		"same":     ClassNoChange,
		"aOnly":    ClassAirtableChanged,
		"sOnly":    ClassSheetsChanged,
		"both":     ClassConflict,
		"aDel":     ClassAirtableDeleted,
		"sDel":     ClassSheetsDeleted,
		"goneBoth": ClassNoChange,
	}
	for id, wc := range want {
		if got := cs.Classes[id]; got != wc {
			t.Errorf("%s = %s, want %s", id, got, wc)
		}
	}

	kinds := map[string]models.ConflictKind{}
	for _, c := range cs.Conflicts {
		kinds[c.RecordID] = c.Kind
	}
	if kinds["both"] != models.ConflictBothModified {
		t.Errorf("both = %s, want %s", kinds["both"], models.ConflictBothModified)
	}
	if kinds["aDelChanged"] != models.ConflictDeletedInAirtable {
		t.Errorf("aDelChanged = %s, want %s", kinds["aDelChanged"], models.ConflictDeletedInAirtable)
	}
	if kinds["sDelChanged"] != models.ConflictDeletedInSheets {
		t.Errorf("sDelChanged = %s, want %s", kinds["sDelChanged"], models.ConflictDeletedInSheets)
	}
}

func TestClassifyBothChangedToSameContent(t *testing.T) {
	d := NewConflictDetector()
	prev := stateWith(t, map[string]string{"rec1": "old"})

	cs := d.Classify(map[string]string{"rec1": "new"}, map[string]string{"rec1": "new"}, prev)

	if got := cs.Classes["rec1"]; got != ClassNoChange {
		t.Errorf("converged record = %s, want %s", got, ClassNoChange)
	}
	if len(cs.Conflicts) != 0 {
		t.Errorf("converged record must not count as a conflict")
	}
}

func TestResolveConflictsPolicies(t *testing.T) {
	d := NewConflictDetector()
	conflicts := []models.ConflictInfo{
		{RecordID: "m", Kind: models.ConflictBothModified},
		{RecordID: "da", Kind: models.ConflictDeletedInAirtable},
		{RecordID: "ds", Kind: models.ConflictDeletedInSheets},
	}

	actions := func(policy models.ConflictPolicy) map[string]models.ConflictAction {
		out := map[string]models.ConflictAction{}
		for _, res := range d.ResolveConflicts(conflicts, policy) {
			out[res.RecordID] = res.Action
		}
		return out
	}

	aw := actions(models.PolicyAirtableWins)
	if aw["m"] != models.ActionUseAirtable || aw["da"] != models.ActionDelete || aw["ds"] != models.ActionUseAirtable {
		t.Errorf("airtable_wins actions wrong: %v", aw)
	}

	sw := actions(models.PolicySheetsWins)
	if sw["m"] != models.ActionUseSheets || sw["da"] != models.ActionUseSheets || sw["ds"] != models.ActionDelete {
		t.Errorf("sheets_wins actions wrong: %v", sw)
	}

	// newest_wins has no reliable timestamps: edits degrade to the
	// Airtable side, deletions count as newer than edits.
	nw := actions(models.PolicyNewestWins)
	if nw["m"] != models.ActionUseAirtable || nw["da"] != models.ActionDelete || nw["ds"] != models.ActionDelete {
		t.Errorf("newest_wins actions wrong: %v", nw)
	}
}
