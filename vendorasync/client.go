package vendorasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/cenkalti/backoff/v5"
)

// RemoteCatalog is the boundary to the Vendora storefront API. The scheduler
// and engine only ever see this interface; tests supply fakes.
type RemoteCatalog interface {
	ExportSnapshot(ctx context.Context, filter SnapshotFilter) ([]RemoteEntity, error)
	BulkUpdate(ctx context.Context, updates []RemoteUpdate) ([]RemoteUpdateOutcome, error)
	TestConnection(ctx context.Context) bool
}

type vendoraClient struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	limiter    <-chan time.Time
	maxRetries uint
}

// NewVendoraClient builds a client for one connection's credentials. Vendora
// rate-limits server side as well; the limiter self-throttles below that.
func NewVendoraClient(apiKey string) (RemoteCatalog, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("vendora api key is empty")
	}
	baseURL := utils.StringFromEnv("VENDORA_API_BASE_URL", "https://api.vendora.io")
	apiKeyHeader := utils.StringFromEnv("VENDORA_API_KEY_HEADER", "X-API-Key")
	rateLimitPerMin := utils.IntFromEnv("VENDORA_RATE_LIMIT_PER_MIN", 30)
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 30
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &vendoraClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHeader,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
		maxRetries: uint(utils.IntFromEnv("VENDORA_TRANSPORT_RETRIES", 3)),
	}, nil
}

type snapshotResponse struct {
	Items []RemoteEntity `json:"items"`
}

func (c *vendoraClient) ExportSnapshot(ctx context.Context, filter SnapshotFilter) ([]RemoteEntity, error) {
	params := url.Values{}
	if filter.StoreId != "" {
		params.Set("store_id", filter.StoreId)
	}
	if len(filter.Skus) > 0 {
		params.Set("skus", strings.Join(filter.Skus, ","))
	}

	body, err := c.doJSON(ctx, http.MethodGet, "/v1/catalog/snapshot", params, nil)
	if err != nil {
		return nil, err
	}
	var parsed snapshotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", models.ErrorRemoteUnavailable, err)
	}
	return parsed.Items, nil
}

type bulkUpdateResponse struct {
	Results []RemoteUpdateOutcome `json:"results"`
}

func (c *vendoraClient) BulkUpdate(ctx context.Context, updates []RemoteUpdate) ([]RemoteUpdateOutcome, error) {
	payload, err := json.Marshal(map[string]interface{}{"items": updates})
	if err != nil {
		return nil, err
	}

	body, err := c.doJSON(ctx, http.MethodPost, "/v1/catalog/bulk-update", nil, payload)
	if err != nil {
		return nil, err
	}
	var parsed bulkUpdateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode bulk update: %v", models.ErrorRemoteUnavailable, err)
	}
	return parsed.Results, nil
}

func (c *vendoraClient) TestConnection(ctx context.Context) bool {
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/ping", nil, nil)
	return err == nil
}

// doJSON performs one API call with exponential-backoff retries on transport
// failures and 5xx answers. Payload rejections (4xx) are permanent.
func (c *vendoraClient) doJSON(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	operation := func() ([]byte, error) {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return nil, backoff.Permanent(ctx.Err())
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			remoteRequests.WithLabelValues(method+" "+path, "transport_error").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		remoteRequests.WithLabelValues(method+" "+path, fmt.Sprint(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("vendora api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		default:
			// Malformed payloads never heal on retry.
			return nil, backoff.Permanent(fmt.Errorf("%w: vendora rejected request (%d): %s",
				models.ErrorValidationFailure, resp.StatusCode, strings.TrimSpace(string(body))))
		}
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxRetries),
	)
	if err != nil {
		if errors.Is(err, models.ErrorValidationFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrorRemoteUnavailable, err)
	}
	return body, nil
}
