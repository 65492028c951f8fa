// Package prune tombstones trashed items once their retention window has elapsed.
package prune

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

// DefaultRetentionDays is how long an item stays in the trash before it is tombstoned.
const DefaultRetentionDays = 30

const day = 24 * time.Hour

// Options configures which tables are pruned and for how long trash is kept.
// A non-positive RetentionDays disables pruning.
type Options struct {
	RetentionDays   int
	ItemsTable      string
	DependentTables []string
	ItemForeignKey  string
}

// DefaultOptions prunes Items and cascades to the item-owned tables.
func DefaultOptions() Options {
	return Options{
		RetentionDays:   DefaultRetentionDays,
		ItemsTable:      vault.TableItems,
		DependentTables: vault.ItemDependentTables(),
		ItemForeignKey:  vault.ItemForeignKey,
	}
}

// Tables lists every table Prune reads.
func (o Options) Tables() []string {
	return append([]string{o.ItemsTable}, o.DependentTables...)
}

// Expired reports whether a trashed item has been in the trash for at least retentionDays.
func Expired(record vault.Record, retentionDays int, now time.Time) bool {
	if retentionDays <= 0 || !record.IsTrashed() {
		return false
	}
	cutoff := record.DeletedAt.Add(time.Duration(retentionDays) * day)
	return !now.Before(cutoff)
}

// Prune returns update statements tombstoning every expired item and the
// non-deleted rows of its dependent tables. Items come first in ascending id
// order, then each dependent table in Options order, rows by ascending id.
// Every statement bumps UpdatedAt to now.
func Prune(opts Options, snapshot vault.Snapshot, now time.Time) []vault.Statement {
	if opts.RetentionDays <= 0 {
		return nil
	}
	stamp := vault.Timestamp(now)

	expired := make(map[string]struct{})
	var statements []vault.Statement
	for _, item := range sortedByID(snapshot.Table(opts.ItemsTable)) {
		if !Expired(item, opts.RetentionDays, now) {
			continue
		}
		expired[item.ID] = struct{}{}
		statements = append(statements, tombstone(opts.ItemsTable, item, stamp))
	}
	if len(expired) == 0 {
		return nil
	}

	for _, table := range opts.DependentTables {
		for _, row := range sortedByID(snapshot.Table(table)) {
			if row.IsDeleted {
				continue
			}
			if _, ok := expired[row.StringField(opts.ItemForeignKey)]; !ok {
				continue
			}
			statements = append(statements, tombstone(table, row, stamp))
		}
	}
	return statements
}

func tombstone(table string, record vault.Record, now time.Time) vault.Statement {
	updated := record.Clone()
	updated.IsDeleted = true
	updated.UpdatedAt = now
	return vault.Statement{Op: vault.OpUpdate, Table: table, Record: updated}
}

func sortedByID(records []vault.Record) []vault.Record {
	sorted := make([]vault.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
