// Package localstore keeps the decrypted vault rows and SyncState in one
// SQLite database so that data writes and sequence bumps commit together.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/prune"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingState      = errors.New("sync state store is required")
	errMissingCodec      = errors.New("vault codec is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMarkCleanRejected = errors.New("mark clean rejected inside sequence-checked transaction")
	// ErrUnknownTable indicates a table that is not part of the syncable set.
	ErrUnknownTable = errors.New("localstore: unknown table")
	noOpLogger      = zap.NewNop()
)

const (
	opStoreNew    = "localstore.store.new"
	opReadTable   = "localstore.read_table"
	opSnapshot    = "localstore.read_snapshot"
	opMutate      = "localstore.mutate"
	opPrune       = "localstore.prune_expired"
	opStoreVault  = "localstore.store_vault"
	opReset       = "localstore.reset"
	opExportVault = "localstore.export_vault"
)

// Codec seals and opens vault blobs.
type Codec interface {
	Encode(vault.Snapshot) ([]byte, error)
	Decode([]byte) (vault.Snapshot, error)
}

// Config wires the store dependencies.
type Config struct {
	Database   *gorm.DB
	State      *syncstate.Store
	Codec      Codec
	Tables     []string
	Prune      prune.Options
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the local storage collaborator of the sync orchestrator.
type Store struct {
	db         *gorm.DB
	state      *syncstate.Store
	codec      Codec
	tables     []string
	known      map[string]struct{}
	pruneOpts  prune.Options
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// New validates the configuration. Tables defaults to every replicated table.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.State == nil {
		return nil, serviceerr.New(opStoreNew, "missing_state", errMissingState)
	}
	if cfg.Codec == nil {
		return nil, serviceerr.New(opStoreNew, "missing_codec", errMissingCodec)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	tables := cfg.Tables
	if len(tables) == 0 {
		tables = vault.DefaultTableNames()
	}
	known := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		known[table] = struct{}{}
	}

	pruneOpts := cfg.Prune
	if pruneOpts.ItemsTable == "" {
		defaults := prune.DefaultOptions()
		defaults.RetentionDays = pruneOpts.RetentionDays
		pruneOpts = defaults
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		state:      cfg.State,
		codec:      cfg.Codec,
		tables:     append([]string(nil), tables...),
		known:      known,
		pruneOpts:  pruneOpts,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SyncableTableNames returns the authoritative list of merged and pruned tables.
func (s *Store) SyncableTableNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.tables...), nil
}

// ReadTableSnapshot returns every row of table, tombstones included, ordered by id.
func (s *Store) ReadTableSnapshot(ctx context.Context, table string) ([]vault.Record, error) {
	if _, ok := s.known[table]; !ok {
		return nil, serviceerr.New(opReadTable, "unknown_table", fmt.Errorf("%w: %s", ErrUnknownTable, table))
	}
	records, err := readTable(s.db.WithContext(ctx), table)
	if err != nil {
		s.logError(opReadTable, "select_failed", err, zap.String("table", table))
		return nil, serviceerr.New(opReadTable, "select_failed", err)
	}
	return records, nil
}

// Snapshot reads every syncable table.
func (s *Store) Snapshot(ctx context.Context) (vault.Snapshot, error) {
	return s.ReadSnapshot(ctx, nil)
}

// ReadSnapshot reads the given tables inside one read transaction, so all of
// them reflect the same committed mutation. A nil list reads every syncable table.
func (s *Store) ReadSnapshot(ctx context.Context, tables []string) (vault.Snapshot, error) {
	if tables == nil {
		tables = s.tables
	}
	for _, table := range tables {
		if _, ok := s.known[table]; !ok {
			return nil, serviceerr.New(opSnapshot, "unknown_table", fmt.Errorf("%w: %s", ErrUnknownTable, table))
		}
	}
	var snapshot vault.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		var readErr error
		snapshot, readErr = s.snapshotTx(gormTx, tables)
		return readErr
	})
	if err != nil {
		var serviceErr *serviceerr.Error
		if errors.As(err, &serviceErr) {
			return nil, err
		}
		s.logError(opSnapshot, "transaction_failed", err)
		return nil, serviceerr.New(opSnapshot, "transaction_failed", err)
	}
	return snapshot, nil
}

// ExportVault returns the encrypted blob of the current local vault.
func (s *Store) ExportVault(ctx context.Context) ([]byte, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	blob, err := s.codec.Encode(snapshot)
	if err != nil {
		s.logError(opExportVault, "encode_failed", err)
		return nil, serviceerr.New(opExportVault, "encode_failed", err)
	}
	return blob, nil
}

// Mutate runs fn inside one transaction. When fn wrote anything, expired trash
// is pruned and the mutation sequence is bumped before the commit. It returns
// the committed mutation sequence.
func (s *Store) Mutate(ctx context.Context, fn func(*Tx) error) (int64, error) {
	var sequence int64
	err := s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		tx := &Tx{store: s, db: gormTx, now: vault.Timestamp(s.clock())}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.writes == 0 {
			state, err := s.state.ReadTx(gormTx)
			if err != nil {
				return err
			}
			sequence = state.MutationSequence
			return nil
		}
		if _, err := s.pruneTx(gormTx, tx.now); err != nil {
			return err
		}
		bumped, err := s.state.MarkDirtyAndBumpSequence(gormTx)
		if err != nil {
			return err
		}
		sequence = bumped
		return nil
	})
	if err != nil {
		s.logError(opMutate, "transaction_failed", err)
		return 0, serviceerr.New(opMutate, "transaction_failed", err)
	}
	return sequence, nil
}

// PruneExpired tombstones expired trash as a local mutation. Nothing is
// committed, and the sequence is untouched, when no item has expired.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	pruned := 0
	err := s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		count, err := s.pruneTx(gormTx, vault.Timestamp(s.clock()))
		if err != nil {
			return err
		}
		pruned = count
		if count == 0 {
			return nil
		}
		_, err = s.state.MarkDirtyAndBumpSequence(gormTx)
		return err
	})
	if err != nil {
		s.logError(opPrune, "transaction_failed", err)
		return 0, serviceerr.New(opPrune, "transaction_failed", err)
	}
	if pruned > 0 {
		s.logger.Info("expired trash pruned", zap.Int("rows", pruned))
	}
	return pruned, nil
}

// StoreVault replaces the local vault with the blob and marks the state clean
// at req.ServerRevision, all in one transaction, only if the live mutation
// sequence still equals req.BaselineSequence.
func (s *Store) StoreVault(ctx context.Context, req vault.StoreRequest) (vault.StoreResult, error) {
	snapshot, err := s.codec.Decode(req.Blob)
	if err != nil {
		s.logError(opStoreVault, "decode_failed", err)
		return vault.StoreResult{}, serviceerr.New(opStoreVault, "decode_failed", err)
	}

	stored := false
	err = s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		state, err := s.state.ReadTx(gormTx)
		if err != nil {
			return err
		}
		if state.MutationSequence != req.BaselineSequence {
			s.logger.Info("store vault refused after intervening mutation",
				zap.Int64("baseline_sequence", req.BaselineSequence),
				zap.Int64("live_sequence", state.MutationSequence))
			return nil
		}
		if err := gormTx.Where("table_name IN ?", s.tables).Delete(&Row{}).Error; err != nil {
			return err
		}
		for _, table := range s.tables {
			for _, record := range snapshot.Table(table) {
				if err := writeRecord(gormTx, table, record); err != nil {
					return err
				}
			}
		}
		cleaned, err := s.state.MarkCleanTx(gormTx, req.BaselineSequence, req.ServerRevision)
		if err != nil {
			return err
		}
		if !cleaned {
			return errMarkCleanRejected
		}
		stored = true
		return nil
	})
	if err != nil {
		s.logError(opStoreVault, "transaction_failed", err,
			zap.Int64("baseline_sequence", req.BaselineSequence),
			zap.Int64("server_revision", req.ServerRevision))
		return vault.StoreResult{}, serviceerr.New(opStoreVault, "transaction_failed", err)
	}
	return vault.StoreResult{Success: stored}, nil
}

// Reset clears every row and the sync state on logout.
func (s *Store) Reset(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		if err := gormTx.Where("1 = 1").Delete(&Row{}).Error; err != nil {
			return err
		}
		return s.state.ClearTx(gormTx)
	})
	if err != nil {
		s.logError(opReset, "transaction_failed", err)
		return serviceerr.New(opReset, "transaction_failed", err)
	}
	return nil
}

func (s *Store) pruneTx(gormTx *gorm.DB, now time.Time) (int, error) {
	if s.pruneOpts.RetentionDays <= 0 {
		return 0, nil
	}
	snapshot, err := s.snapshotTx(gormTx, s.pruneOpts.Tables())
	if err != nil {
		return 0, err
	}
	statements := prune.Prune(s.pruneOpts, snapshot, now)
	for _, statement := range statements {
		if err := writeRecord(gormTx, statement.Table, statement.Record); err != nil {
			return 0, err
		}
	}
	return len(statements), nil
}

func (s *Store) snapshotTx(gormTx *gorm.DB, tables []string) (vault.Snapshot, error) {
	snapshot := make(vault.Snapshot, len(tables))
	for _, table := range tables {
		records, err := readTable(gormTx, table)
		if err != nil {
			s.logError(opReadTable, "select_failed", err, zap.String("table", table))
			return nil, serviceerr.New(opReadTable, "select_failed", err)
		}
		snapshot[table] = records
	}
	return snapshot, nil
}

func readTable(gormTx *gorm.DB, table string) ([]vault.Record, error) {
	var rows []Row
	if err := gormTx.Where("table_name = ?", table).Order("record_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]vault.Record, 0, len(rows))
	for _, row := range rows {
		record, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func writeRecord(gormTx *gorm.DB, table string, record vault.Record) error {
	row, err := toRow(table, record)
	if err != nil {
		return err
	}
	return gormTx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerr.Log(s.logger, "local store error", operation, reason, err, fields...)
}
