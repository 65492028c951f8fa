package syncstate

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const stateRowID = 1

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTx       = errors.New("transaction handle is required")
	errStateRowMissing = errors.New("sync state row missing")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew  = "syncstate.store.new"
	opRead      = "syncstate.read"
	opMarkDirty = "syncstate.mark_dirty"
	opMarkClean = "syncstate.mark_clean"
	opClear     = "syncstate.clear"
)

// State is the single persisted sync_state row.
type State struct {
	ID               uint  `gorm:"column:id;primaryKey"`
	IsDirty          bool  `gorm:"column:is_dirty;not null;default:false"`
	MutationSequence int64 `gorm:"column:mutation_sequence;not null;default:0"`
	ServerRevision   int64 `gorm:"column:server_revision;not null;default:0"`
}

// TableName binds the model to sync_state.
func (State) TableName() string {
	return "sync_state"
}

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists SyncState next to the vault rows so that dirty flag and
// mutation sequence change inside the same transaction as the data.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	syncing atomic.Bool
}

// NewStore validates the configuration and seeds the state row.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if err := cfg.Database.Clauses(clause.OnConflict{DoNothing: true}).Create(&State{ID: stateRowID}).Error; err != nil {
		return nil, serviceerr.New(opStoreNew, "seed_failed", err)
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Read returns the current state, including the in-process syncing flag.
func (s *Store) Read(ctx context.Context) (vault.SyncState, error) {
	return s.ReadTx(s.db.WithContext(ctx))
}

// ReadTx reads the state inside an open transaction.
func (s *Store) ReadTx(tx *gorm.DB) (vault.SyncState, error) {
	if tx == nil {
		return vault.SyncState{}, serviceerr.New(opRead, "missing_tx", errMissingTx)
	}
	var row State
	err := tx.Where("id = ?", stateRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return vault.SyncState{IsSyncing: s.syncing.Load()}, nil
	}
	if err != nil {
		s.logError(opRead, "select_failed", err)
		return vault.SyncState{}, serviceerr.New(opRead, "select_failed", err)
	}
	return vault.SyncState{
		IsDirty:          row.IsDirty,
		MutationSequence: row.MutationSequence,
		ServerRevision:   row.ServerRevision,
		IsSyncing:        s.syncing.Load(),
	}, nil
}

// MarkDirtyAndBumpSequence sets isDirty and increments the mutation sequence.
// It only accepts a transaction handle: callers invoke it from the commit of a
// local mutation so that the bump lands with the data write or not at all.
func (s *Store) MarkDirtyAndBumpSequence(tx *gorm.DB) (int64, error) {
	if tx == nil {
		return 0, serviceerr.New(opMarkDirty, "missing_tx", errMissingTx)
	}
	result := tx.Model(&State{}).
		Where("id = ?", stateRowID).
		Updates(map[string]any{
			"is_dirty":          true,
			"mutation_sequence": gorm.Expr("mutation_sequence + 1"),
		})
	if result.Error != nil {
		s.logError(opMarkDirty, "update_failed", result.Error)
		return 0, serviceerr.New(opMarkDirty, "update_failed", result.Error)
	}
	if result.RowsAffected != 1 {
		return 0, serviceerr.New(opMarkDirty, "row_missing", errStateRowMissing)
	}
	var row State
	if err := tx.Where("id = ?", stateRowID).Take(&row).Error; err != nil {
		return 0, serviceerr.New(opMarkDirty, "select_failed", err)
	}
	return row.MutationSequence, nil
}

// MarkClean clears isDirty and records newRevision only when the live
// mutation sequence still equals baselineSequence. It reports whether the
// state changed; false leaves isDirty untouched for the next cycle.
func (s *Store) MarkClean(ctx context.Context, baselineSequence, newRevision int64) (bool, error) {
	return s.MarkCleanTx(s.db.WithContext(ctx), baselineSequence, newRevision)
}

// MarkCleanTx is MarkClean inside an open transaction.
func (s *Store) MarkCleanTx(tx *gorm.DB, baselineSequence, newRevision int64) (bool, error) {
	if tx == nil {
		return false, serviceerr.New(opMarkClean, "missing_tx", errMissingTx)
	}
	result := tx.Model(&State{}).
		Where("id = ? AND mutation_sequence = ?", stateRowID, baselineSequence).
		Updates(map[string]any{
			"is_dirty":        false,
			"server_revision": newRevision,
		})
	if result.Error != nil {
		s.logError(opMarkClean, "update_failed", result.Error,
			zap.Int64("baseline_sequence", baselineSequence),
			zap.Int64("new_revision", newRevision))
		return false, serviceerr.New(opMarkClean, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("mark clean skipped after intervening mutation",
			zap.Int64("baseline_sequence", baselineSequence),
			zap.Int64("new_revision", newRevision))
		return false, nil
	}
	return true, nil
}

// ClearTx resets the state row on logout. The row itself is kept.
func (s *Store) ClearTx(tx *gorm.DB) error {
	if tx == nil {
		return serviceerr.New(opClear, "missing_tx", errMissingTx)
	}
	err := tx.Model(&State{}).
		Where("id = ?", stateRowID).
		Updates(map[string]any{
			"is_dirty":          false,
			"mutation_sequence": 0,
			"server_revision":   0,
		}).Error
	if err != nil {
		s.logError(opClear, "update_failed", err)
		return serviceerr.New(opClear, "update_failed", err)
	}
	return nil
}

// TryBeginSync claims the in-process sync slot. It returns false when a run is already active.
func (s *Store) TryBeginSync() bool {
	return s.syncing.CompareAndSwap(false, true)
}

// EndSync releases the slot claimed by TryBeginSync.
func (s *Store) EndSync() {
	s.syncing.Store(false)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil || err == nil {
		return
	}
	serviceerr.Log(s.logger, "sync state operation failed", operation, reason, err, fields...)
}
