// Package blobstore is the server side of vault sync: it keeps one opaque
// blob per owner behind a monotonic revision counter.
package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyBlob       = errors.New("blob payload is required")
	errNegativeBase    = errors.New("base revision must not be negative")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "blobstore.service.new"
	opFetch      = "blobstore.fetch"
	opUpload     = "blobstore.upload"
)

// Schema returns the models of the server database.
func Schema() database.Schema {
	return database.Schema{Models: []any{&VaultBlob{}}}
}

// ServiceConfig wires the service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores encrypted vault blobs.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Snapshot is a stored blob and its revision. An owner without a vault has revision 0.
type Snapshot struct {
	Revision int64
	Blob     []byte
}

// UploadOutcome reports whether an upload was accepted.
type UploadOutcome struct {
	Accepted bool
	// Revision is the new revision when accepted, otherwise the current one.
	Revision int64
}

// Fetch returns the current blob of owner.
func (s *Service) Fetch(ctx context.Context, owner OwnerID) (Snapshot, error) {
	var stored VaultBlob
	err := s.db.WithContext(ctx).Where("owner_id = ?", owner.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		s.logError(opFetch, "select_failed", err, zap.String("owner_id", owner.String()))
		return Snapshot{}, serviceerr.New(opFetch, "select_failed", err)
	}
	return Snapshot{Revision: stored.Revision, Blob: stored.Blob}, nil
}

// Upload replaces the blob only when baseRevision equals the current revision,
// advancing the revision by one. Otherwise the upload is outdated and the
// current revision is returned.
func (s *Service) Upload(ctx context.Context, owner OwnerID, baseRevision int64, blob []byte) (UploadOutcome, error) {
	if len(blob) == 0 {
		return UploadOutcome{}, serviceerr.New(opUpload, "empty_blob", errEmptyBlob)
	}
	if baseRevision < 0 {
		return UploadOutcome{}, serviceerr.New(opUpload, "invalid_base_revision", errNegativeBase)
	}

	var outcome UploadOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing VaultBlob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", owner.String()).
			Take(&existing).Error
		current := int64(0)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opUpload, "select_failed", err, zap.String("owner_id", owner.String()))
			return serviceerr.New(opUpload, "select_failed", err)
		default:
			current = existing.Revision
		}

		if baseRevision != current {
			outcome = UploadOutcome{Accepted: false, Revision: current}
			return nil
		}

		next := VaultBlob{
			OwnerID:          owner.String(),
			Revision:         current + 1,
			Blob:             append([]byte(nil), blob...),
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Save(&next).Error; err != nil {
			s.logError(opUpload, "save_failed", err, zap.String("owner_id", owner.String()))
			return serviceerr.New(opUpload, "save_failed", err)
		}
		outcome = UploadOutcome{Accepted: true, Revision: next.Revision}
		return nil
	})
	if txErr != nil {
		var serviceErr *serviceerr.Error
		if errors.As(txErr, &serviceErr) {
			return UploadOutcome{}, txErr
		}
		s.logError(opUpload, "transaction_failed", txErr, zap.String("owner_id", owner.String()))
		return UploadOutcome{}, serviceerr.New(opUpload, "transaction_failed", txErr)
	}

	if outcome.Accepted {
		s.logger.Info("vault blob stored",
			zap.String("owner_id", owner.String()),
			zap.Int64("revision", outcome.Revision),
			zap.Int("bytes", len(blob)))
	} else {
		s.logger.Info("outdated vault upload rejected",
			zap.String("owner_id", owner.String()),
			zap.Int64("base_revision", baseRevision),
			zap.Int64("current_revision", outcome.Revision))
	}
	return outcome, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerr.Log(s.logger, "blob store error", operation, reason, err, fields...)
}
