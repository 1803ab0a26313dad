package engine

import (
	"fmt"
	"sort"

	"tablebridge/engine/internal/models"
)

// ChangeClass is the per-record outcome of diffing both sides against the
// last known state.
type ChangeClass string

const (
	ClassNoChange        ChangeClass = "noChange"
	ClassNewInAirtable   ChangeClass = "newInAirtable"
	ClassNewInSheets     ChangeClass = "newInSheets"
	ClassAirtableChanged ChangeClass = "airtableOnlyChange"
	ClassSheetsChanged   ChangeClass = "sheetsOnlyChange"
	// ClassAirtableDeleted: record gone from Airtable, sheet row unchanged.
	ClassAirtableDeleted ChangeClass = "airtableOnlyDelete"
	// ClassSheetsDeleted: sheet row gone, Airtable record unchanged.
	ClassSheetsDeleted ChangeClass = "sheetsOnlyDelete"
	// ClassSeedBoth: present on both sides with no memory of the record.
	// Equal hashes just seed state; divergent content falls to the policy
	// without being counted as a conflict (first-run rule).
	ClassSeedBoth ChangeClass = "seedBoth"
	ClassConflict ChangeClass = "conflict"
)

// ChangeSet is the classified diff of one run.
type ChangeSet struct {
	Classes   map[string]ChangeClass
	Conflicts []models.ConflictInfo
}

// IDsOf returns the record ids in a class, sorted for determinism.
func (cs *ChangeSet) IDsOf(class ChangeClass) []string {
	var out []string
	for id, c := range cs.Classes {
		if c == class {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ConflictDetector classifies records by comparing current content hashes
// on both sides against the persisted last-known state.
type ConflictDetector struct{}

// NewConflictDetector returns a detector.
func NewConflictDetector() *ConflictDetector { return &ConflictDetector{} }

// Classify joins both sides by record id. airtable and sheets map record
// id to current content hash; absence from a map means the record does
// not exist on that side. prev may be nil or empty (first run), in which
// case everything present is new on its side and there are no conflicts.
func (d *ConflictDetector) Classify(airtable, sheets map[string]string, prev *models.SyncState) *ChangeSet {
	cs := &ChangeSet{Classes: make(map[string]ChangeClass)}

	firstRun := prev == nil || len(prev.Records) == 0

	seen := make(map[string]bool, len(airtable)+len(sheets))
	ids := make([]string, 0, len(airtable)+len(sheets))
	for id := range airtable {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range sheets {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if prev != nil {
		for id := range prev.Records {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		aHash, inAirtable := airtable[id]
		sHash, inSheets := sheets[id]
		known := prev.Has(id)
		lastHash := prev.Hash(id)

		switch {
		case firstRun || !known:
			switch {
			case inAirtable && inSheets:
				if aHash == sHash {
					cs.Classes[id] = ClassNoChange
				} else {
					cs.Classes[id] = ClassSeedBoth
				}
			case inAirtable:
				cs.Classes[id] = ClassNewInAirtable
			case inSheets:
				cs.Classes[id] = ClassNewInSheets
			}

		case inAirtable && inSheets:
			aChanged := aHash != lastHash
			sChanged := sHash != lastHash
			switch {
			case !aChanged && !sChanged:
				cs.Classes[id] = ClassNoChange
			case aChanged && !sChanged:
				cs.Classes[id] = ClassAirtableChanged
			case !aChanged && sChanged:
				cs.Classes[id] = ClassSheetsChanged
			default:
				if aHash == sHash {
					// Both moved to the same content; converged on its own.
					cs.Classes[id] = ClassNoChange
					continue
				}
				cs.Classes[id] = ClassConflict
				cs.Conflicts = append(cs.Conflicts, models.ConflictInfo{
					RecordID: id, Kind: models.ConflictBothModified, LastKnownHash: lastHash,
				})
			}

		case inAirtable && !inSheets:
			if aHash != lastHash {
				cs.Classes[id] = ClassConflict
				cs.Conflicts = append(cs.Conflicts, models.ConflictInfo{
					RecordID: id, Kind: models.ConflictDeletedInSheets, LastKnownHash: lastHash,
				})
			} else {
				cs.Classes[id] = ClassSheetsDeleted
			}

		case !inAirtable && inSheets:
			if sHash != lastHash {
				cs.Classes[id] = ClassConflict
				cs.Conflicts = append(cs.Conflicts, models.ConflictInfo{
					RecordID: id, Kind: models.ConflictDeletedInAirtable, LastKnownHash: lastHash,
				})
			} else {
				cs.Classes[id] = ClassAirtableDeleted
			}

		default:
			// Known record gone from both sides; forget it.
			cs.Classes[id] = ClassNoChange
		}
	}

	return cs
}

// ResolveConflicts applies the configured policy to every conflict.
//
// NEWEST_WINS degrades to AIRTABLE_WINS for BOTH_MODIFIED because neither
// provider exposes reliable per-cell modification timestamps; under that
// policy deletions count as newer than edits.
func (d *ConflictDetector) ResolveConflicts(conflicts []models.ConflictInfo, policy models.ConflictPolicy) []models.ConflictResolution {
	out := make([]models.ConflictResolution, 0, len(conflicts))
	for _, c := range conflicts {
		res := models.ConflictResolution{RecordID: c.RecordID, Kind: c.Kind}
		switch policy {
		case models.PolicySheetsWins:
			switch c.Kind {
			case models.ConflictDeletedInSheets:
				res.Action = models.ActionDelete
				res.Reason = "sheets wins: row was deleted in the sheet"
			case models.ConflictDeletedInAirtable:
				res.Action = models.ActionUseSheets
				res.Reason = "sheets wins: restore record from the sheet"
			default:
				res.Action = models.ActionUseSheets
				res.Reason = "sheets wins: both sides modified"
			}

		case models.PolicyNewestWins:
			switch c.Kind {
			case models.ConflictDeletedInAirtable, models.ConflictDeletedInSheets:
				res.Action = models.ActionDelete
				res.Reason = "newest wins: deletion treated as newer than edit"
			default:
				res.Action = models.ActionUseAirtable
				res.Reason = "newest wins degrades to airtable wins: no reliable cell timestamps"
			}

		default: // models.PolicyAirtableWins
			switch c.Kind {
			case models.ConflictDeletedInAirtable:
				res.Action = models.ActionDelete
				res.Reason = "airtable wins: record was deleted in Airtable"
			case models.ConflictDeletedInSheets:
				res.Action = models.ActionUseAirtable
				res.Reason = "airtable wins: restore row from Airtable"
			default:
				res.Action = models.ActionUseAirtable
				res.Reason = "airtable wins: both sides modified"
			}
		}
		out = append(out, res)
	}
	return out
}

// SyntheticRowID keys a sheet row that carries no record id yet.
func SyntheticRowID(rowIndex int) string {
	return fmt.Sprintf("row_%d", rowIndex)
}
