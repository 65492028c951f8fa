package localstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"gorm.io/gorm"
)

const migrationTrashIndex = "2026-10-01_vault_rows_trash_index"

// Row stores one record of any syncable table.
type Row struct {
	Table           string `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
	DeletedAtMillis *int64 `gorm:"column:deleted_at_ms"`
	FieldsJSON      string `gorm:"column:fields_json;type:text;not null"`
}

// TableName binds the model to vault_rows.
func (Row) TableName() string {
	return "vault_rows"
}

// Schema returns the models and migrations of a client vault database.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{&Row{}, &syncstate.State{}},
		Migrations: []database.Migration{
			{Name: migrationTrashIndex, Apply: createTrashIndex},
		},
	}
}

func createTrashIndex(tx *gorm.DB) error {
	return tx.Exec("CREATE INDEX IF NOT EXISTS idx_vault_rows_trash ON vault_rows (table_name, deleted_at_ms) WHERE deleted_at_ms IS NOT NULL").Error
}

func toRow(table string, record vault.Record) (Row, error) {
	if err := vault.ValidateRecordID(record.ID); err != nil {
		return Row{}, err
	}
	fields := record.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	encoded, err := vault.MarshalVerbatim(fields)
	if err != nil {
		return Row{}, fmt.Errorf("encode fields of %s %q: %w", table, record.ID, err)
	}
	row := Row{
		Table:           table,
		RecordID:        record.ID,
		CreatedAtMillis: vault.Millis(record.CreatedAt),
		UpdatedAtMillis: vault.Millis(record.UpdatedAt),
		IsDeleted:       record.IsDeleted,
		FieldsJSON:      string(encoded),
	}
	if record.DeletedAt != nil {
		deletedAt := vault.Millis(*record.DeletedAt)
		row.DeletedAtMillis = &deletedAt
	}
	return row, nil
}

func fromRow(row Row) (vault.Record, error) {
	record := vault.Record{
		ID:        row.RecordID,
		CreatedAt: vault.FromMillis(row.CreatedAtMillis),
		UpdatedAt: vault.FromMillis(row.UpdatedAtMillis),
		IsDeleted: row.IsDeleted,
	}
	if row.DeletedAtMillis != nil {
		deletedAt := vault.FromMillis(*row.DeletedAtMillis)
		record.DeletedAt = &deletedAt
	}
	if row.FieldsJSON != "" {
		decoder := json.NewDecoder(bytes.NewReader([]byte(row.FieldsJSON)))
		decoder.UseNumber()
		var fields map[string]any
		if err := decoder.Decode(&fields); err != nil {
			return vault.Record{}, fmt.Errorf("decode fields of %s %q: %w", row.Table, row.RecordID, err)
		}
		if len(fields) > 0 {
			record.Fields = fields
		}
	}
	return record, nil
}
