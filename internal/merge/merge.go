// Package merge reconciles two decrypted snapshots of the vault with
// per-table last-write-wins semantics.
package merge

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

// Options selects the tables to merge. Tables are processed in the given order.
type Options struct {
	Tables     []string
	ItemsTable string
}

// DefaultOptions merges every replicated table with Items as the deletion-reconciled table.
func DefaultOptions() Options {
	return Options{
		Tables:     vault.DefaultTableNames(),
		ItemsTable: vault.TableItems,
	}
}

// Stats counts how each record was resolved.
type Stats struct {
	TablesProcessed       int `json:"tablesProcessed"`
	RecordsFromLocal      int `json:"recordsFromLocal"`
	RecordsFromServer     int `json:"recordsFromServer"`
	RecordsCreatedLocally int `json:"recordsCreatedLocally"`
	Conflicts             int `json:"conflicts"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.TablesProcessed += other.TablesProcessed
	s.RecordsFromLocal += other.RecordsFromLocal
	s.RecordsFromServer += other.RecordsFromServer
	s.RecordsCreatedLocally += other.RecordsCreatedLocally
	s.Conflicts += other.Conflicts
}

// Result holds the ordered writes that turn local into the merged vault.
type Result struct {
	Statements []vault.Statement
	Stats      Stats
}

// Merge computes the statements to apply to local so that it becomes the
// merge of local and server. It is deterministic: statements are ordered by
// table (Options.Tables order), then updates by ascending local id, then
// inserts by ascending server id. Merging a snapshot with itself yields no
// statements.
func Merge(opts Options, local, server vault.Snapshot) (Result, error) {
	var result Result
	for _, table := range opts.Tables {
		statements, stats, err := mergeTable(table, table == opts.ItemsTable, local.Table(table), server.Table(table))
		if err != nil {
			return Result{}, err
		}
		result.Statements = append(result.Statements, statements...)
		result.Stats.Add(stats)
	}
	return result, nil
}

func mergeTable(table string, reconcileDeletes bool, localRecords, serverRecords []vault.Record) ([]vault.Statement, Stats, error) {
	stats := Stats{TablesProcessed: 1}

	local, err := indexRecords(table, "local", localRecords)
	if err != nil {
		return nil, Stats{}, err
	}
	pending, err := indexRecords(table, "server", serverRecords)
	if err != nil {
		return nil, Stats{}, err
	}

	var statements []vault.Statement
	for _, id := range sortedIDs(local) {
		localRecord := local[id]
		serverRecord, shared := pending[id]
		if !shared {
			stats.RecordsCreatedLocally++
			continue
		}
		delete(pending, id)

		decision := resolveRecord(localRecord, serverRecord, reconcileDeletes)
		if decision.serverWins {
			stats.Conflicts++
			stats.RecordsFromServer++
		} else {
			stats.RecordsFromLocal++
		}
		if decision.write {
			statements = append(statements, vault.Statement{Op: vault.OpUpdate, Table: table, Record: decision.record})
		}
	}

	for _, id := range sortedIDs(pending) {
		stats.RecordsFromServer++
		statements = append(statements, vault.Statement{Op: vault.OpInsert, Table: table, Record: pending[id].Clone()})
	}
	return statements, stats, nil
}

func indexRecords(table, side string, records []vault.Record) (map[string]vault.Record, error) {
	index := make(map[string]vault.Record, len(records))
	for _, record := range records {
		if err := vault.ValidateRecordID(record.ID); err != nil {
			return nil, fmt.Errorf("%s %s: %w", side, table, err)
		}
		if _, exists := index[record.ID]; exists {
			return nil, fmt.Errorf("%w: %s %s %q", vault.ErrDuplicateRecordID, side, table, record.ID)
		}
		index[record.ID] = record
	}
	return index, nil
}

func sortedIDs(records map[string]vault.Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
