package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
)

func newTestService(testContext *testing.T) *Service {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "server.db"), nil, Schema())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1_800_000_000, 0) },
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustOwner(testContext *testing.T, raw string) OwnerID {
	testContext.Helper()
	owner, err := NewOwnerID(raw)
	if err != nil {
		testContext.Fatalf("owner id: %v", err)
	}
	return owner
}

func TestFetchEmptyVaultReportsRevisionZero(testContext *testing.T) {
	service := newTestService(testContext)
	snapshot, err := service.Fetch(context.Background(), mustOwner(testContext, "user-1"))
	if err != nil {
		testContext.Fatalf("fetch: %v", err)
	}
	if snapshot.Revision != 0 || len(snapshot.Blob) != 0 {
		testContext.Fatalf("expected empty vault, got %+v", snapshot)
	}
}

func TestUploadAdvancesRevisionAndRejectsStaleBase(testContext *testing.T) {
	service := newTestService(testContext)
	ctx := context.Background()
	owner := mustOwner(testContext, "user-1")

	first, err := service.Upload(ctx, owner, 0, []byte("blob-1"))
	if err != nil {
		testContext.Fatalf("first upload: %v", err)
	}
	if !first.Accepted || first.Revision != 1 {
		testContext.Fatalf("expected revision 1, got %+v", first)
	}

	second, err := service.Upload(ctx, owner, 1, []byte("blob-2"))
	if err != nil {
		testContext.Fatalf("second upload: %v", err)
	}
	if !second.Accepted || second.Revision != 2 {
		testContext.Fatalf("expected revision 2, got %+v", second)
	}

	stale, err := service.Upload(ctx, owner, 1, []byte("blob-stale"))
	if err != nil {
		testContext.Fatalf("stale upload: %v", err)
	}
	if stale.Accepted || stale.Revision != 2 {
		testContext.Fatalf("expected outdated upload at revision 2, got %+v", stale)
	}

	snapshot, err := service.Fetch(ctx, owner)
	if err != nil {
		testContext.Fatalf("fetch: %v", err)
	}
	if string(snapshot.Blob) != "blob-2" || snapshot.Revision != 2 {
		testContext.Fatalf("unexpected stored vault %+v", snapshot)
	}

	other, err := service.Fetch(ctx, mustOwner(testContext, "user-2"))
	if err != nil {
		testContext.Fatalf("fetch other: %v", err)
	}
	if other.Revision != 0 {
		testContext.Fatalf("vaults leaked across owners: %+v", other)
	}
}

func TestUploadValidatesInput(testContext *testing.T) {
	service := newTestService(testContext)
	owner := mustOwner(testContext, "user-1")

	_, err := service.Upload(context.Background(), owner, 0, nil)
	var serviceErr *serviceerr.Error
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "blobstore.upload.empty_blob" {
		testContext.Fatalf("expected empty blob error, got %v", err)
	}

	if _, err := NewOwnerID("  "); !errors.Is(err, ErrInvalidOwnerID) {
		testContext.Fatalf("expected invalid owner id, got %v", err)
	}
}
