// Package transport is the HTTP client the sync orchestrator uses to reach the
// blob server.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Second

	vaultPath       = "/vault"
	vaultEventsPath = "/vault/events"

	eventVaultChanged = "vault-change"
)

var (
	errMissingBaseURL = errors.New("server base url is required")
	errMissingToken   = errors.New("server token is required")
	noOpLogger        = zap.NewNop()
)

const (
	opClientNew = "transport.client.new"
	opFetch     = "transport.fetch"
	opUpload    = "transport.upload"
	opWatch     = "transport.watch"
)

// Config wires the client. Streaming requests ignore HTTPClient.Timeout by
// using a copy of the client without one.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the vault HTTP API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, serviceerr.New(opClientNew, "missing_base_url", errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, serviceerr.New(opClientNew, "invalid_base_url", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, serviceerr.New(opClientNew, "missing_token", errMissingToken)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	streamClient := *httpClient
	streamClient.Timeout = 0
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		http:    httpClient,
		stream:  &streamClient,
		logger:  logger,
	}, nil
}

type vaultResponsePayload struct {
	Revision int64  `json:"revision"`
	Blob     []byte `json:"blob"`
}

type uploadRequestPayload struct {
	BaseRevision int64  `json:"base_revision"`
	Blob         []byte `json:"blob"`
}

type uploadResponsePayload struct {
	Revision int64  `json:"revision"`
	Error    string `json:"error"`
}

type vaultEventPayload struct {
	Revision int64 `json:"revision"`
}

// FetchVault downloads the current blob and revision.
func (c *Client) FetchVault(ctx context.Context) (vault.ServerVault, error) {
	request, err := c.newRequest(ctx, http.MethodGet, vaultPath, nil)
	if err != nil {
		return vault.ServerVault{}, serviceerr.New(opFetch, "build_request", err)
	}
	response, err := c.http.Do(request)
	if err != nil {
		return vault.ServerVault{}, c.failure(ctx, opFetch, "request", err)
	}
	defer drainAndClose(response.Body)

	if err := statusError(response); err != nil {
		return vault.ServerVault{}, c.failure(ctx, opFetch, "status", err)
	}
	var payload vaultResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return vault.ServerVault{}, c.failure(ctx, opFetch, "decode", transportError(err))
	}
	if payload.Revision < 0 {
		return vault.ServerVault{}, serviceerr.New(opFetch, "invalid_revision", transportError(fmt.Errorf("negative revision %d", payload.Revision)))
	}
	return vault.ServerVault{Blob: payload.Blob, Revision: payload.Revision}, nil
}

// UploadVault sends a blob conditioned on BaseRevision. A 409 is reported as
// Outdated, not as an error.
func (c *Client) UploadVault(ctx context.Context, req vault.UploadRequest) (vault.UploadResult, error) {
	body, err := json.Marshal(uploadRequestPayload{BaseRevision: req.BaseRevision, Blob: req.Blob})
	if err != nil {
		return vault.UploadResult{}, serviceerr.New(opUpload, "encode", err)
	}
	request, err := c.newRequest(ctx, http.MethodPost, vaultPath, bytes.NewReader(body))
	if err != nil {
		return vault.UploadResult{}, serviceerr.New(opUpload, "build_request", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := c.http.Do(request)
	if err != nil {
		return vault.UploadResult{}, c.failure(ctx, opUpload, "request", err)
	}
	defer drainAndClose(response.Body)

	outdated := response.StatusCode == http.StatusConflict
	if !outdated {
		if err := statusError(response); err != nil {
			return vault.UploadResult{}, c.failure(ctx, opUpload, "status", err)
		}
	}
	var payload uploadResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return vault.UploadResult{}, c.failure(ctx, opUpload, "decode", transportError(err))
	}
	if outdated {
		return vault.UploadResult{Outdated: true, CurrentRevision: payload.Revision}, nil
	}
	if payload.Revision <= req.BaseRevision {
		return vault.UploadResult{}, serviceerr.New(opUpload, "invalid_revision", transportError(fmt.Errorf("revision %d does not advance base %d", payload.Revision, req.BaseRevision)))
	}
	return vault.UploadResult{NewRevision: payload.Revision}, nil
}

// WatchRevisions follows the server event stream and calls onRevision for
// every vault change. It returns nil when ctx ends and an error when the
// stream breaks.
func (c *Client) WatchRevisions(ctx context.Context, onRevision func(revision int64)) error {
	request, err := c.newRequest(ctx, http.MethodGet, vaultEventsPath, nil)
	if err != nil {
		return serviceerr.New(opWatch, "build_request", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := c.stream.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return serviceerr.New(opWatch, "request", transportError(err))
	}
	defer response.Body.Close()
	if err := statusError(response); err != nil {
		return serviceerr.New(opWatch, "status", err)
	}

	scanner := bufio.NewScanner(response.Body)
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventType = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && eventType == eventVaultChanged:
			var payload vaultEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				c.logger.Warn("ignoring malformed vault event", zap.Error(err))
				continue
			}
			onRevision(payload.Revision)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return serviceerr.New(opWatch, "read", transportError(err))
	}
	return serviceerr.New(opWatch, "closed", transportError(io.ErrUnexpectedEOF))
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	endpoint := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set(vault.ProtocolHeader, vault.ProtocolVersion)
	return request, nil
}

// failure keeps cancellation distinct from transport trouble.
func (c *Client) failure(ctx context.Context, operation, reason string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !errors.Is(err, vault.ErrUnauthorized) && !errors.Is(err, vault.ErrIncompatibleVersion) && !errors.Is(err, vault.ErrTransport) {
		err = transportError(err)
	}
	c.logger.Debug(
		"vault request failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return serviceerr.New(operation, reason, err)
}

func statusError(response *http.Response) error {
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return vault.ErrUnauthorized
	case response.StatusCode == http.StatusUpgradeRequired:
		return fmt.Errorf("%w: server speaks protocol %s", vault.ErrIncompatibleVersion, supportedProtocol(response))
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	default:
		return transportError(fmt.Errorf("unexpected status %d", response.StatusCode))
	}
}

func supportedProtocol(response *http.Response) string {
	var payload struct {
		Supported string `json:"supported"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&payload); err != nil || payload.Supported == "" {
		return strconv.Quote("unknown")
	}
	return strconv.Quote(payload.Supported)
}

func transportError(err error) error {
	return fmt.Errorf("%w: %w", vault.ErrTransport, err)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
