package localstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"gorm.io/gorm"
)

// ErrRecordNotFound indicates a missing row.
var ErrRecordNotFound = errors.New("localstore: record not found")

// Tx groups local row mutations into one commit. Every write bumps UpdatedAt.
type Tx struct {
	store  *Store
	db     *gorm.DB
	now    time.Time
	writes int
}

// Get returns the row with id, tombstones included.
func (tx *Tx) Get(table, id string) (vault.Record, error) {
	if err := tx.checkTable(table); err != nil {
		return vault.Record{}, err
	}
	var row Row
	err := tx.db.Where("table_name = ? AND record_id = ?", table, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return vault.Record{}, fmt.Errorf("%w: %s %q", ErrRecordNotFound, table, id)
	}
	if err != nil {
		return vault.Record{}, err
	}
	return fromRow(row)
}

// List returns the user-visible rows of table: tombstones are excluded.
func (tx *Tx) List(table string) ([]vault.Record, error) {
	if err := tx.checkTable(table); err != nil {
		return nil, err
	}
	records, err := readTable(tx.db, table)
	if err != nil {
		return nil, err
	}
	visible := records[:0]
	for _, record := range records {
		if !record.IsDeleted {
			visible = append(visible, record)
		}
	}
	return visible, nil
}

// Put inserts or replaces a record. An empty id receives a fresh UUIDv7.
// CreatedAt is kept from the stored row when one exists.
func (tx *Tx) Put(table string, record vault.Record) (vault.Record, error) {
	if err := tx.checkTable(table); err != nil {
		return vault.Record{}, err
	}
	next := record.Clone()
	if next.ID == "" {
		id, err := tx.store.idProvider.NewID()
		if err != nil {
			return vault.Record{}, err
		}
		next.ID = id
	}

	existing, err := tx.Get(table, next.ID)
	switch {
	case err == nil:
		next.CreatedAt = existing.CreatedAt
		next.UpdatedAt = tx.bumped(existing.UpdatedAt)
	case errors.Is(err, ErrRecordNotFound):
		next.CreatedAt = tx.now
		next.UpdatedAt = tx.now
	default:
		return vault.Record{}, err
	}
	if next.DeletedAt != nil {
		deletedAt := vault.Timestamp(*next.DeletedAt)
		next.DeletedAt = &deletedAt
	}
	if err := tx.write(table, next); err != nil {
		return vault.Record{}, err
	}
	return next, nil
}

// Trash moves an item to the trash. It stays restorable until pruned.
func (tx *Tx) Trash(id string) (vault.Record, error) {
	return tx.update(tx.store.pruneOpts.ItemsTable, id, func(record *vault.Record) {
		deletedAt := tx.now
		record.DeletedAt = &deletedAt
	})
}

// Restore takes an item out of the trash.
func (tx *Tx) Restore(id string) (vault.Record, error) {
	return tx.update(tx.store.pruneOpts.ItemsTable, id, func(record *vault.Record) {
		record.DeletedAt = nil
	})
}

// Delete tombstones a record permanently. Deleting an item also tombstones
// its dependent rows.
func (tx *Tx) Delete(table, id string) (vault.Record, error) {
	deleted, err := tx.update(table, id, func(record *vault.Record) {
		record.IsDeleted = true
	})
	if err != nil {
		return vault.Record{}, err
	}
	if table != tx.store.pruneOpts.ItemsTable {
		return deleted, nil
	}
	for _, dependent := range tx.store.pruneOpts.DependentTables {
		if _, ok := tx.store.known[dependent]; !ok {
			continue
		}
		rows, err := tx.List(dependent)
		if err != nil {
			return vault.Record{}, err
		}
		for _, row := range rows {
			if row.StringField(tx.store.pruneOpts.ItemForeignKey) != id {
				continue
			}
			row.IsDeleted = true
			row.UpdatedAt = tx.bumped(row.UpdatedAt)
			if err := tx.write(dependent, row); err != nil {
				return vault.Record{}, err
			}
		}
	}
	return deleted, nil
}

func (tx *Tx) update(table, id string, change func(*vault.Record)) (vault.Record, error) {
	if table == "" {
		return vault.Record{}, fmt.Errorf("%w: items table not configured", ErrUnknownTable)
	}
	record, err := tx.Get(table, id)
	if err != nil {
		return vault.Record{}, err
	}
	change(&record)
	record.UpdatedAt = tx.bumped(record.UpdatedAt)
	if err := tx.write(table, record); err != nil {
		return vault.Record{}, err
	}
	return record, nil
}

// bumped returns the commit time, or one millisecond past previous when the
// clock has not advanced beyond it.
func (tx *Tx) bumped(previous time.Time) time.Time {
	if tx.now.After(previous) {
		return tx.now
	}
	return previous.Add(time.Millisecond)
}

func (tx *Tx) write(table string, record vault.Record) error {
	if err := writeRecord(tx.db, table, record); err != nil {
		return err
	}
	tx.writes++
	return nil
}

func (tx *Tx) checkTable(table string) error {
	if _, ok := tx.store.known[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}
