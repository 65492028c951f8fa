package transport_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/auth"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/prune"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/server"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncer"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transport"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vaultcodec"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type syncDevice struct {
	store   *localstore.Store
	service *syncer.Service
	now     time.Time
}

func startVaultServer(t *testing.T) (string, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), nil, blobstore.Schema())
	require.NoError(t, err)
	store, err := blobstore.NewService(blobstore.ServiceConfig{Database: db})
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("sync-secret"),
		Issuer:        "vaultsync-auth",
		Audience:      "vaultsync-api",
	})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{TokenValidator: tokens, VaultStore: store})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return httpServer.URL, tokens
}

func newSyncDevice(t *testing.T, name, baseURL, token string, key []byte, start time.Time) *syncDevice {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), name+".db"), nil, localstore.Schema())
	require.NoError(t, err)
	state, err := syncstate.NewStore(syncstate.Config{Database: db})
	require.NoError(t, err)
	codec, err := vaultcodec.New(key)
	require.NoError(t, err)

	device := &syncDevice{now: start}
	clock := func() time.Time { return device.now }
	store, err := localstore.New(localstore.Config{
		Database:   db,
		State:      state,
		Codec:      codec,
		Prune:      prune.DefaultOptions(),
		Clock:      clock,
		IDProvider: localstore.NewUUIDProvider(),
	})
	require.NoError(t, err)
	client, err := transport.NewClient(transport.Config{BaseURL: baseURL, Token: token})
	require.NoError(t, err)
	service, err := syncer.NewService(syncer.Config{
		Storage:   store,
		State:     state,
		Transport: client,
		Codec:     codec,
		Prune:     prune.DefaultOptions(),
		Clock:     clock,
	})
	require.NoError(t, err)
	device.store = store
	device.service = service
	return device
}

func (d *syncDevice) put(t *testing.T, table string, record vault.Record) {
	t.Helper()
	_, err := d.store.Mutate(context.Background(), func(tx *localstore.Tx) error {
		_, err := tx.Put(table, record)
		return err
	})
	require.NoError(t, err)
}

func (d *syncDevice) item(t *testing.T, id string) (vault.Record, bool) {
	t.Helper()
	records, err := d.store.ReadTableSnapshot(context.Background(), vault.TableItems)
	require.NoError(t, err)
	for _, record := range records {
		if record.ID == id {
			return record, true
		}
	}
	return vault.Record{}, false
}

func TestTwoDevicesConvergeOverHTTP(t *testing.T) {
	baseURL, tokens := startVaultServer(t)
	token, _, err := tokens.IssueToken(context.Background(), "owner-1")
	require.NoError(t, err)
	key := bytes.Repeat([]byte{7}, 32)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	laptop := newSyncDevice(t, "laptop", baseURL, token, key, start)
	phone := newSyncDevice(t, "phone", baseURL, token, key, start.Add(time.Minute))
	ctx := context.Background()

	laptop.put(t, vault.TableItems, vault.Record{ID: "bank", Fields: map[string]any{"Name": "Bank"}})
	result, err := laptop.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeUploaded, result.Outcome)
	require.Equal(t, int64(1), result.ServerRevision)

	result, err = phone.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeDownloaded, result.Outcome)
	record, ok := phone.item(t, "bank")
	require.True(t, ok)
	require.Equal(t, "Bank", record.StringField("Name"))

	phone.now = phone.now.Add(time.Hour)
	phone.put(t, vault.TableItems, vault.Record{ID: "bank", Fields: map[string]any{"Name": "Bank (joint)"}})
	result, err = phone.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeUploaded, result.Outcome)
	require.Equal(t, int64(2), result.ServerRevision)

	laptop.now = laptop.now.Add(2 * time.Hour)
	laptop.put(t, vault.TableItems, vault.Record{ID: "mail", Fields: map[string]any{"Name": "Mail"}})
	result, err = laptop.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeMerged, result.Outcome)
	require.Equal(t, int64(3), result.ServerRevision)
	require.Equal(t, 1, result.Stats.RecordsCreatedLocally)

	result, err = phone.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeDownloaded, result.Outcome)

	for _, device := range []*syncDevice{laptop, phone} {
		bank, ok := device.item(t, "bank")
		require.True(t, ok)
		require.Equal(t, "Bank (joint)", bank.StringField("Name"))
		_, ok = device.item(t, "mail")
		require.True(t, ok)
	}

	result, err = laptop.service.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeAlreadyInSync, result.Outcome)
}

func TestUnreachableServerKeepsDeviceOffline(t *testing.T) {
	stranded := newSyncDevice(t, "stranded", "http://127.0.0.1:1", "unused-token", bytes.Repeat([]byte{7}, 32), time.Now().UTC())
	stranded.put(t, vault.TableItems, vault.Record{ID: "draft"})

	result, err := stranded.service.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeOffline, result.Outcome)
	require.True(t, stranded.service.IsOffline())

	_, ok := stranded.item(t, "draft")
	require.True(t, ok)
}
