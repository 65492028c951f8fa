// Package syncer decides whether a device must upload, download, merge or do
// nothing, and sequences that decision against concurrent local writes.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/merge"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/prune"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
)

// DefaultMaxRestarts bounds restarts after race refusals and outdated uploads.
// A run makes at most one more attempt than it restarts.
const DefaultMaxRestarts = 3

var (
	// ErrSyncInProgress rejects a run while another one is active in this process.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrRetriesExhausted is the terminal failure after every attempt was refused.
	// Local state is left untouched for a later run.
	ErrRetriesExhausted = errors.New("syncer: retries exhausted")

	errMissingStorage   = errors.New("storage collaborator is required")
	errMissingState     = errors.New("sync state store is required")
	errMissingTransport = errors.New("transport collaborator is required")
	errMissingCodec     = errors.New("vault codec is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew = "syncer.service.new"
	opSync       = "syncer.sync"
	opDownload   = "syncer.download"
	opUpload     = "syncer.upload"
	opMerge      = "syncer.merge"
)

// Storage is the local vault collaborator.
type Storage interface {
	SyncableTableNames(ctx context.Context) ([]string, error)
	// ReadSnapshot reads the tables as of one committed mutation.
	ReadSnapshot(ctx context.Context, tables []string) (vault.Snapshot, error)
	PruneExpired(ctx context.Context) (int, error)
	StoreVault(ctx context.Context, req vault.StoreRequest) (vault.StoreResult, error)
}

// StateStore exposes the SyncState operations the orchestrator may call.
// There is no unconditional clean: MarkClean compares against the baseline.
type StateStore interface {
	Read(ctx context.Context) (vault.SyncState, error)
	MarkClean(ctx context.Context, baselineSequence, newRevision int64) (bool, error)
	TryBeginSync() bool
	EndSync()
}

// Transport reaches the blob server. Failures to reach it wrap vault.ErrTransport.
type Transport interface {
	FetchVault(ctx context.Context) (vault.ServerVault, error)
	UploadVault(ctx context.Context, req vault.UploadRequest) (vault.UploadResult, error)
}

// Codec seals and opens vault blobs.
type Codec interface {
	Encode(vault.Snapshot) ([]byte, error)
	Decode([]byte) (vault.Snapshot, error)
}

// Config wires the orchestrator. ItemsTable defaults to Items, MaxRestarts to 3.
type Config struct {
	Storage     Storage
	State       StateStore
	Transport   Transport
	Codec       Codec
	MaxRestarts int
	ItemsTable  string
	Prune       prune.Options
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Outcome names the branch a successful run took.
type Outcome string

const (
	OutcomeAlreadyInSync Outcome = "already_in_sync"
	OutcomeDownloaded    Outcome = "downloaded"
	OutcomeUploaded      Outcome = "uploaded"
	OutcomeMerged        Outcome = "merged"
	// OutcomeOffline means the server was unreachable; the local vault stays authoritative.
	OutcomeOffline Outcome = "offline"
)

// Result describes a finished run.
type Result struct {
	Outcome        Outcome
	Attempts       int
	ServerRevision int64
	Stats          merge.Stats
	// PlanFingerprint identifies the merge statements applied on the merge branch.
	PlanFingerprint string
}

// Service is the sync orchestrator for one unlocked vault.
type Service struct {
	storage     Storage
	state       StateStore
	transport   Transport
	codec       Codec
	maxRestarts int
	itemsTable  string
	pruneOpts   prune.Options
	clock       func() time.Time
	logger      *zap.Logger
	offline     atomic.Bool
	nudges      chan struct{}
}

// NewService validates the configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Storage == nil {
		return nil, serviceerr.New(opServiceNew, "missing_storage", errMissingStorage)
	}
	if cfg.State == nil {
		return nil, serviceerr.New(opServiceNew, "missing_state", errMissingState)
	}
	if cfg.Transport == nil {
		return nil, serviceerr.New(opServiceNew, "missing_transport", errMissingTransport)
	}
	if cfg.Codec == nil {
		return nil, serviceerr.New(opServiceNew, "missing_codec", errMissingCodec)
	}

	maxRestarts := cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	itemsTable := cfg.ItemsTable
	if itemsTable == "" {
		itemsTable = vault.TableItems
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

	return &Service{
		storage:     cfg.Storage,
		state:       cfg.State,
		transport:   cfg.Transport,
		codec:       cfg.Codec,
		maxRestarts: maxRestarts,
		itemsTable:  itemsTable,
		pruneOpts:   pruneOpts,
		clock:       clock,
		logger:      logger,
		nudges:      make(chan struct{}, 1),
	}, nil
}

// IsOffline reports whether the last run could not reach the server.
func (s *Service) IsOffline() bool {
	return s.offline.Load()
}

// IsSessionTerminal reports errors that end the session: the caller must log out.
func IsSessionTerminal(err error) bool {
	return errors.Is(err, vault.ErrUnauthorized) ||
		errors.Is(err, vault.ErrIncompatibleVersion) ||
		errors.Is(err, vault.ErrVaultKeyMismatch)
}

// Sync runs the orchestrator once. Concurrent calls are rejected with
// ErrSyncInProgress. Unreachable servers yield OutcomeOffline and a nil error.
func (s *Service) Sync(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !s.state.TryBeginSync() {
		return Result{}, serviceerr.New(opSync, "in_progress", ErrSyncInProgress)
	}
	defer s.state.EndSync()

	maxAttempts := s.maxRestarts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, retryReason, err := s.runAttempt(ctx, attempt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{Attempts: attempt}, ctxErr
			}
			if errors.Is(err, vault.ErrTransport) {
				s.offline.Store(true)
				s.logger.Warn("server unreachable, continuing offline",
					zap.Int("attempt", attempt),
					zap.Error(err))
				return Result{Outcome: OutcomeOffline, Attempts: attempt}, nil
			}
			s.logError(opSync, "attempt_failed", err, zap.Int("attempt", attempt))
			return Result{Attempts: attempt}, err
		}
		if retryReason == "" {
			result.Attempts = attempt
			s.logger.Info("vault sync finished",
				zap.String("outcome", string(result.Outcome)),
				zap.Int("attempts", attempt),
				zap.Int64("server_revision", result.ServerRevision))
			return result, nil
		}
		s.logger.Info("vault sync restarting",
			zap.Int("attempt", attempt),
			zap.String("reason", retryReason))
	}

	s.logError(opSync, "retries_exhausted", ErrRetriesExhausted, zap.Int("max_restarts", s.maxRestarts))
	return Result{Attempts: maxAttempts}, serviceerr.New(opSync, "retries_exhausted", ErrRetriesExhausted)
}

const (
	retrySequenceMismatch = "sequence_mismatch"
	retryOutdated         = "outdated"
)

// runAttempt performs one pass from branch selection. A non-empty retry
// reason asks the caller to restart from branch selection.
func (s *Service) runAttempt(ctx context.Context, attempt int) (Result, string, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, "", err
	}
	if _, err := s.storage.PruneExpired(ctx); err != nil {
		return Result{}, "", err
	}

	state, err := s.state.Read(ctx)
	if err != nil {
		return Result{}, "", err
	}
	baseline := state.MutationSequence

	server, err := s.transport.FetchVault(ctx)
	if err != nil {
		return Result{}, "", err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, "", err
	}
	s.offline.Store(false)

	serverChanged := server.Revision != state.ServerRevision
	s.logger.Debug("vault sync branch selection",
		zap.Int("attempt", attempt),
		zap.Bool("is_dirty", state.IsDirty),
		zap.Int64("known_revision", state.ServerRevision),
		zap.Int64("server_revision", server.Revision),
		zap.Int64("baseline_sequence", baseline))

	switch {
	case !state.IsDirty && !serverChanged:
		return Result{Outcome: OutcomeAlreadyInSync, ServerRevision: server.Revision}, "", nil
	case !state.IsDirty:
		return s.download(ctx, server, baseline)
	case !serverChanged:
		return s.upload(ctx, state, baseline)
	default:
		return s.reconcile(ctx, server, baseline)
	}
}

func (s *Service) download(ctx context.Context, server vault.ServerVault, baseline int64) (Result, string, error) {
	stored, err := s.storage.StoreVault(ctx, vault.StoreRequest{
		Blob:             server.Blob,
		BaselineSequence: baseline,
		ServerRevision:   server.Revision,
	})
	if err != nil {
		return Result{}, "", serviceerr.New(opDownload, "store_failed", err)
	}
	if !stored.Success {
		return Result{}, retrySequenceMismatch, nil
	}
	return Result{Outcome: OutcomeDownloaded, ServerRevision: server.Revision}, "", nil
}

func (s *Service) upload(ctx context.Context, state vault.SyncState, baseline int64) (Result, string, error) {
	local, _, err := s.readLocal(ctx)
	if err != nil {
		return Result{}, "", err
	}
	blob, err := s.codec.Encode(local)
	if err != nil {
		return Result{}, "", serviceerr.New(opUpload, "encode_failed", err)
	}

	uploaded, err := s.transport.UploadVault(ctx, vault.UploadRequest{Blob: blob, BaseRevision: state.ServerRevision})
	if err != nil {
		return Result{}, "", err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, "", err
	}
	if uploaded.Outdated {
		return Result{}, retryOutdated, nil
	}

	cleaned, err := s.state.MarkClean(ctx, baseline, uploaded.NewRevision)
	if err != nil {
		return Result{}, "", serviceerr.New(opUpload, "mark_clean_failed", err)
	}
	if !cleaned {
		return Result{}, retrySequenceMismatch, nil
	}
	return Result{Outcome: OutcomeUploaded, ServerRevision: uploaded.NewRevision}, "", nil
}

func (s *Service) reconcile(ctx context.Context, server vault.ServerVault, baseline int64) (Result, string, error) {
	local, tables, err := s.readLocal(ctx)
	if err != nil {
		return Result{}, "", err
	}
	remote, err := s.codec.Decode(server.Blob)
	if err != nil {
		return Result{}, "", serviceerr.New(opMerge, "decode_failed", err)
	}

	merged, err := merge.Merge(merge.Options{Tables: tables, ItemsTable: s.itemsTable}, local, remote)
	if err != nil {
		return Result{}, "", serviceerr.New(opMerge, "merge_failed", err)
	}
	fingerprint, err := vault.Fingerprint(merged.Statements)
	if err != nil {
		return Result{}, "", serviceerr.New(opMerge, "fingerprint_failed", err)
	}

	combined := local.Apply(merged.Statements)
	combined = combined.Apply(prune.Prune(s.pruneOpts, combined, s.clock()))
	blob, err := s.codec.Encode(combined)
	if err != nil {
		return Result{}, "", serviceerr.New(opMerge, "encode_failed", err)
	}

	uploaded, err := s.transport.UploadVault(ctx, vault.UploadRequest{Blob: blob, BaseRevision: server.Revision})
	if err != nil {
		return Result{}, "", err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, "", err
	}
	if uploaded.Outdated {
		return Result{}, retryOutdated, nil
	}

	stored, err := s.storage.StoreVault(ctx, vault.StoreRequest{
		Blob:             blob,
		BaselineSequence: baseline,
		ServerRevision:   uploaded.NewRevision,
	})
	if err != nil {
		return Result{}, "", serviceerr.New(opMerge, "store_failed", err)
	}
	if !stored.Success {
		return Result{}, retrySequenceMismatch, nil
	}

	s.logger.Info("vault merged",
		zap.Int("tables", merged.Stats.TablesProcessed),
		zap.Int("from_local", merged.Stats.RecordsFromLocal),
		zap.Int("from_server", merged.Stats.RecordsFromServer),
		zap.Int("created_locally", merged.Stats.RecordsCreatedLocally),
		zap.Int("conflicts", merged.Stats.Conflicts),
		zap.String("plan_fingerprint", fingerprint))
	return Result{
		Outcome:         OutcomeMerged,
		ServerRevision:  uploaded.NewRevision,
		Stats:           merged.Stats,
		PlanFingerprint: fingerprint,
	}, "", nil
}

func (s *Service) readLocal(ctx context.Context) (vault.Snapshot, []string, error) {
	tables, err := s.storage.SyncableTableNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := s.storage.ReadSnapshot(ctx, tables)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, tables, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerr.Log(s.logger, "vault sync error", operation, reason, err, fields...)
}
