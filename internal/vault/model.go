package vault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Syncable table names.
const (
	TableItems            = "Items"
	TableFolders          = "Folders"
	TableFieldDefinitions = "FieldDefinitions"
	TableFieldValues      = "FieldValues"
	TableFieldHistories   = "FieldHistories"
	TableTags             = "Tags"
	TableItemTags         = "ItemTags"
	TableAttachments      = "Attachments"
	TableTotpCodes        = "TotpCodes"
	TablePasskeys         = "Passkeys"
	TableLogos            = "Logos"
)

// ItemForeignKey is the column linking dependent rows to their item.
const ItemForeignKey = "ItemId"

const maxRecordIDLength = 190

// Record column names used in the key→value representation.
const (
	ColumnID        = "Id"
	ColumnCreatedAt = "CreatedAt"
	ColumnUpdatedAt = "UpdatedAt"
	ColumnIsDeleted = "IsDeleted"
	ColumnDeletedAt = "DeletedAt"
)

var (
	// ErrInvalidRecord indicates a record without a usable identifier or timestamps,
	// or one holding a string that is not valid UTF-8.
	ErrInvalidRecord = errors.New("vault: invalid record")
	// ErrDuplicateRecordID indicates that a table snapshot holds the same id twice.
	ErrDuplicateRecordID = errors.New("vault: duplicate record id")
	// ErrTransport marks network failures: timeouts, unreachable hosts, malformed responses.
	ErrTransport = errors.New("vault: transport failure")
	// ErrUnauthorized marks expired or revoked sessions.
	ErrUnauthorized = errors.New("vault: unauthorized")
	// ErrIncompatibleVersion marks a protocol or payload version this build cannot handle.
	ErrIncompatibleVersion = errors.New("vault: incompatible version")
	// ErrVaultKeyMismatch indicates a blob that could not be opened with the local vault key.
	ErrVaultKeyMismatch = errors.New("vault: vault key mismatch")
)

// DefaultTableNames lists every replicated table, parents before dependents.
func DefaultTableNames() []string {
	return []string{
		TableItems,
		TableFolders,
		TableFieldDefinitions,
		TableFieldValues,
		TableFieldHistories,
		TableTags,
		TableItemTags,
		TableAttachments,
		TableTotpCodes,
		TablePasskeys,
		TableLogos,
	}
}

// ItemDependentTables lists tables whose rows are tombstoned together with their item.
func ItemDependentTables() []string {
	return []string{TableFieldValues, TableAttachments, TableTotpCodes, TablePasskeys}
}

// Record is the shape shared by every replicated table.
type Record struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsDeleted bool
	// DeletedAt is the trash marker; only the Items table uses it.
	DeletedAt *time.Time
	Fields    map[string]any
}

// ValidateRecordID checks the identifier constraints shared by all tables.
func ValidateRecordID(rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if trimmed != rawInput {
		return fmt.Errorf("%w: id %q has surrounding whitespace", ErrInvalidRecord, rawInput)
	}
	if len(trimmed) > maxRecordIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidRecord, maxRecordIDLength)
	}
	return nil
}

// Timestamp normalises t to UTC with millisecond resolution.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	cloned := r
	if r.DeletedAt != nil {
		deletedAt := *r.DeletedAt
		cloned.DeletedAt = &deletedAt
	}
	if r.Fields != nil {
		cloned.Fields = cloneValue(r.Fields).(map[string]any)
	}
	return cloned
}

// Field returns a table-specific column value.
func (r Record) Field(name string) (any, bool) {
	value, ok := r.Fields[name]
	return value, ok
}

// StringField returns a table-specific column as a string, or "" when absent.
func (r Record) StringField(name string) string {
	value, ok := r.Fields[name]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

// IsTrashed reports whether the record sits in the trash without being tombstoned.
func (r Record) IsTrashed() bool {
	return r.DeletedAt != nil && !r.IsDeleted
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, element := range typed {
			out[key] = cloneValue(element)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for index, element := range typed {
			out[index] = cloneValue(element)
		}
		return out
	default:
		return typed
	}
}

// Snapshot maps table names to the full set of records in that table.
type Snapshot map[string][]Record

// Table returns the records of name, or nil.
func (s Snapshot) Table(name string) []Record {
	return s[name]
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	cloned := make(Snapshot, len(s))
	for table, records := range s {
		copied := make([]Record, len(records))
		for index, record := range records {
			copied[index] = record.Clone()
		}
		cloned[table] = copied
	}
	return cloned
}

// TableNames returns the tables present in the snapshot in ascending order.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply returns a new snapshot with statements applied in order.
// Updates replace the row with the same id; inserts of an existing id behave as updates.
func (s Snapshot) Apply(statements []Statement) Snapshot {
	next := s.Clone()
	positions := make(map[string]map[string]int)
	indexFor := func(table string) map[string]int {
		index, ok := positions[table]
		if ok {
			return index
		}
		index = make(map[string]int, len(next[table]))
		for position, record := range next[table] {
			index[record.ID] = position
		}
		positions[table] = index
		return index
	}

	for _, statement := range statements {
		index := indexFor(statement.Table)
		record := statement.Record.Clone()
		if position, ok := index[record.ID]; ok {
			next[statement.Table][position] = record
			continue
		}
		index[record.ID] = len(next[statement.Table])
		next[statement.Table] = append(next[statement.Table], record)
	}
	return next
}

// Count returns the number of records across all tables.
func (s Snapshot) Count() int {
	total := 0
	for _, records := range s {
		total += len(records)
	}
	return total
}

// Op enumerates write statement kinds.
type Op string

const (
	// OpInsert adds a record that the target replica does not hold.
	OpInsert Op = "insert"
	// OpUpdate replaces every column of the record with the same id.
	OpUpdate Op = "update"
)

// Statement is a single write produced by the merge and prune engines.
type Statement struct {
	Op     Op
	Table  string
	Record Record
}

// SyncState holds the per-device scalars that drive every sync decision.
type SyncState struct {
	IsDirty          bool
	MutationSequence int64
	ServerRevision   int64
	IsSyncing        bool
}
