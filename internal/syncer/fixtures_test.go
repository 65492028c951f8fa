package syncer

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/prune"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vaultcodec"
)

var sharedKey = bytes.Repeat([]byte{42}, 32)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeServer mimics the blob server: monotonic revision, compare-and-swap uploads.
type fakeServer struct {
	mu             sync.Mutex
	revision       int64
	blob           []byte
	fetchErr       error
	alwaysOutdated bool
	onFetch        func(call int)
	onUpload       func(call int)
	fetches        int
	uploads        int
	accepted       int
}

func (s *fakeServer) FetchVault(ctx context.Context) (vault.ServerVault, error) {
	s.mu.Lock()
	s.fetches++
	call := s.fetches
	fetchErr := s.fetchErr
	current := vault.ServerVault{Blob: append([]byte(nil), s.blob...), Revision: s.revision}
	hook := s.onFetch
	s.mu.Unlock()

	if fetchErr != nil {
		return vault.ServerVault{}, fetchErr
	}
	if hook != nil {
		hook(call)
	}
	return current, nil
}

func (s *fakeServer) UploadVault(ctx context.Context, req vault.UploadRequest) (vault.UploadResult, error) {
	s.mu.Lock()
	s.uploads++
	call := s.uploads
	hook := s.onUpload
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alwaysOutdated || req.BaseRevision != s.revision {
		return vault.UploadResult{Outdated: true, CurrentRevision: s.revision}, nil
	}
	s.revision++
	s.blob = append([]byte(nil), req.Blob...)
	s.accepted++
	return vault.UploadResult{NewRevision: s.revision}, nil
}

func (s *fakeServer) seed(t *testing.T, revision int64, snapshot vault.Snapshot) {
	t.Helper()
	codec, err := vaultcodec.New(sharedKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	blob, err := codec.Encode(snapshot)
	if err != nil {
		t.Fatalf("encode seed: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision = revision
	s.blob = blob
}

func (s *fakeServer) snapshot(t *testing.T) vault.Snapshot {
	t.Helper()
	codec, err := vaultcodec.New(sharedKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	s.mu.Lock()
	blob := append([]byte(nil), s.blob...)
	s.mu.Unlock()
	decoded, err := codec.Decode(blob)
	if err != nil {
		t.Fatalf("decode server blob: %v", err)
	}
	return decoded
}

// storeSpy records every sequence-checked write and every snapshot read.
type storeSpy struct {
	*localstore.Store
	mu            sync.Mutex
	stores        []vault.StoreRequest
	results       []bool
	snapshotReads [][]string
}

func (s *storeSpy) ReadSnapshot(ctx context.Context, tables []string) (vault.Snapshot, error) {
	s.mu.Lock()
	s.snapshotReads = append(s.snapshotReads, append([]string(nil), tables...))
	s.mu.Unlock()
	return s.Store.ReadSnapshot(ctx, tables)
}

func (s *storeSpy) StoreVault(ctx context.Context, req vault.StoreRequest) (vault.StoreResult, error) {
	result, err := s.Store.StoreVault(ctx, req)
	s.mu.Lock()
	s.stores = append(s.stores, req)
	s.results = append(s.results, result.Success)
	s.mu.Unlock()
	return result, err
}

type device struct {
	store   *localstore.Store
	spy     *storeSpy
	state   *syncstate.Store
	service *Service
	clock   *testClock
}

func newDevice(t *testing.T, name string, transport Transport, start time.Time) *device {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), name+".db"), nil, localstore.Schema())
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	state, err := syncstate.NewStore(syncstate.Config{Database: db})
	if err != nil {
		t.Fatalf("state %s: %v", name, err)
	}
	codec, err := vaultcodec.New(sharedKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	clock := &testClock{now: start}
	store, err := localstore.New(localstore.Config{
		Database:   db,
		State:      state,
		Codec:      codec,
		Prune:      prune.DefaultOptions(),
		Clock:      clock.Now,
		IDProvider: localstore.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("store %s: %v", name, err)
	}
	spy := &storeSpy{Store: store}
	service, err := NewService(Config{
		Storage:   spy,
		State:     state,
		Transport: transport,
		Codec:     codec,
		Prune:     prune.DefaultOptions(),
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("service %s: %v", name, err)
	}
	return &device{store: store, spy: spy, state: state, service: service, clock: clock}
}

func (d *device) put(t *testing.T, table string, record vault.Record) vault.Record {
	t.Helper()
	var stored vault.Record
	_, err := d.store.Mutate(context.Background(), func(tx *localstore.Tx) error {
		var err error
		stored, err = tx.Put(table, record)
		return err
	})
	if err != nil {
		t.Fatalf("put %s: %v", table, err)
	}
	return stored
}

func (d *device) readState(t *testing.T) vault.SyncState {
	t.Helper()
	state, err := d.state.Read(context.Background())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return state
}

func (d *device) record(t *testing.T, table, id string) (vault.Record, bool) {
	t.Helper()
	records, err := d.store.ReadTableSnapshot(context.Background(), table)
	if err != nil {
		t.Fatalf("read %s: %v", table, err)
	}
	for _, record := range records {
		if record.ID == id {
			return record, true
		}
	}
	return vault.Record{}, false
}

func mustSync(t *testing.T, d *device) Result {
	t.Helper()
	result, err := d.service.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return result
}

func findRecord(snapshot vault.Snapshot, table, id string) (vault.Record, bool) {
	for _, record := range snapshot.Table(table) {
		if record.ID == id {
			return record, true
		}
	}
	return vault.Record{}, false
}
