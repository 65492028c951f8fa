package prune

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/google/go-cmp/cmp"
)

var now = time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC)

func trashedItem(id string, daysAgo int) vault.Record {
	deletedAt := now.Add(-time.Duration(daysAgo) * 24 * time.Hour)
	return vault.Record{ID: id, CreatedAt: deletedAt.Add(-time.Hour), UpdatedAt: deletedAt, DeletedAt: &deletedAt}
}

func TestPruneRetentionBoundary(t *testing.T) {
	testCases := []struct {
		name    string
		daysAgo int
		pruned  bool
	}{
		{name: "exactly thirty days", daysAgo: 30, pruned: true},
		{name: "twenty nine days", daysAgo: 29, pruned: false},
		{name: "long expired", daysAgo: 400, pruned: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			snapshot := vault.Snapshot{vault.TableItems: {trashedItem("item", testCase.daysAgo)}}
			statements := Prune(DefaultOptions(), snapshot, now)
			if testCase.pruned != (len(statements) == 1) {
				t.Fatalf("expected pruned=%v, got %d statements", testCase.pruned, len(statements))
			}
			if testCase.pruned {
				record := statements[0].Record
				if !record.IsDeleted || !record.UpdatedAt.Equal(now) {
					t.Fatalf("unexpected tombstone %+v", record)
				}
				if record.DeletedAt == nil {
					t.Fatalf("trash timestamp must be kept")
				}
			}
		})
	}
}

func TestPruneCascadesToDependents(t *testing.T) {
	live := vault.Record{ID: "item-live", CreatedAt: now, UpdatedAt: now}
	dependent := func(id, itemID string, deleted bool) vault.Record {
		return vault.Record{ID: id, CreatedAt: now, UpdatedAt: now, IsDeleted: deleted, Fields: map[string]any{vault.ItemForeignKey: itemID}}
	}
	snapshot := vault.Snapshot{
		vault.TableItems:       {trashedItem("item-b", 31), live, trashedItem("item-a", 45)},
		vault.TableFieldValues: {dependent("fv-2", "item-a", false), dependent("fv-1", "item-live", false)},
		vault.TableAttachments: {dependent("att-1", "item-b", true)},
		vault.TableTotpCodes:   {dependent("totp-1", "item-b", false)},
		vault.TablePasskeys:    {dependent("pk-1", "item-a", false)},
		vault.TableTags:        {dependent("tag-1", "item-a", false)},
	}

	statements := Prune(DefaultOptions(), snapshot, now)

	type key struct{ Table, ID string }
	got := make([]key, 0, len(statements))
	for _, statement := range statements {
		if statement.Op != vault.OpUpdate || !statement.Record.IsDeleted {
			t.Fatalf("unexpected statement %+v", statement)
		}
		got = append(got, key{statement.Table, statement.Record.ID})
	}
	want := []key{
		{vault.TableItems, "item-a"},
		{vault.TableItems, "item-b"},
		{vault.TableFieldValues, "fv-2"},
		{vault.TableTotpCodes, "totp-1"},
		{vault.TablePasskeys, "pk-1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("statements mismatch (-want +got):\n%s", diff)
	}
}

func TestPruneSkipsTombstonesAndDisabledRetention(t *testing.T) {
	already := trashedItem("item", 90)
	already.IsDeleted = true
	snapshot := vault.Snapshot{vault.TableItems: {already}}
	if statements := Prune(DefaultOptions(), snapshot, now); len(statements) != 0 {
		t.Fatalf("expected tombstoned item to be skipped, got %d", len(statements))
	}

	opts := DefaultOptions()
	opts.RetentionDays = 0
	snapshot = vault.Snapshot{vault.TableItems: {trashedItem("item", 90)}}
	if statements := Prune(opts, snapshot, now); len(statements) != 0 {
		t.Fatalf("expected disabled retention to prune nothing, got %d", len(statements))
	}
}

func TestPruneDoesNotMutateInput(t *testing.T) {
	snapshot := vault.Snapshot{vault.TableItems: {trashedItem("item", 60)}}
	first := Prune(DefaultOptions(), snapshot, now)
	if snapshot[vault.TableItems][0].IsDeleted {
		t.Fatalf("input snapshot was modified")
	}
	second := Prune(DefaultOptions(), snapshot, now)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("prune is not deterministic:\n%s", diff)
	}
}
