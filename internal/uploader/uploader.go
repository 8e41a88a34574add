// Package uploader implements the external uploader: batched,
// rate-limited, field-type-aware replication of unsynced records to a
// Lark/Feishu Bitable document.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/ratelimit"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

const defaultBaseURL = "https://open.feishu.cn/open-apis"
const batchSize = 500
const tokenExpiryBuffer = 30 * time.Second

// Store is the subset of internal/store.Store the uploader needs.
type Store interface {
	ListUnsynced(ctx context.Context, jobID string, limit int) ([]types.Record, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

// Config holds the external service credentials and document coordinates.
type Config struct {
	AppID      string
	AppSecret  string
	DocToken   string
	TableID    string
	BaseURL    string // defaults to defaultBaseURL
	MaxRetries int    // defaults to 3
}

// FieldType classifies a remote Bitable field for marshalling purposes.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDateTime FieldType = "datetime"
	FieldOther    FieldType = "other"
)

type fieldMeta struct {
	ID   string
	Type FieldType
}

// Uploader drives the upload loop for a job: pull unsynced, transform,
// batch, dispatch, mark synced.
type Uploader struct {
	cfg      Config
	store    Store
	governor *ratelimit.Governor
	client   *http.Client
	logger   *slog.Logger

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
	schema         map[string]fieldMeta
	warnedMissing  map[string]bool

	onBatch func(outcome string, elapsed time.Duration, records int)
}

// SetBatchObserver registers a callback invoked after every batch dispatch
// attempt with its outcome ("success" or "failure"), latency, and record
// count, used to feed internal/observability's batch-latency histogram and
// per-record counter. Optional.
func (u *Uploader) SetBatchObserver(onBatch func(outcome string, elapsed time.Duration, records int)) {
	u.onBatch = onBatch
}

// New constructs an Uploader. cfg.BaseURL/MaxRetries are defaulted if zero.
func New(cfg Config, store Store, governor *ratelimit.Governor, logger *slog.Logger) *Uploader {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Uploader{
		cfg:           cfg,
		store:         store,
		governor:      governor,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "uploader"),
		warnedMissing: make(map[string]bool),
	}
}

// Upload pulls every unsynced record for jobID and replicates it to the
// external document. When dryRun is true, the token and remote field list
// are still fetched, but no batch is dispatched and no record is marked
// synced; the number of unsynced records is logged and returned.
func (u *Uploader) Upload(ctx context.Context, jobID string, dryRun bool) (uploaded int, err error) {
	if err := u.ensureSchema(ctx); err != nil {
		return 0, fmt.Errorf("schema discovery: %w", err)
	}

	for {
		records, err := u.store.ListUnsynced(ctx, jobID, batchSize)
		if err != nil {
			return uploaded, fmt.Errorf("list unsynced: %w", err)
		}
		if len(records) == 0 {
			return uploaded, nil
		}

		if dryRun {
			all, err := u.store.ListUnsynced(ctx, jobID, 0)
			if err != nil {
				return 0, fmt.Errorf("list unsynced: %w", err)
			}
			u.logger.Info("dry run: would upload", "job_id", jobID, "count", len(all))
			return len(all), nil
		}

		batchStart := time.Now()
		confirmed, err := u.uploadBatch(ctx, records)
		if u.onBatch != nil {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			u.onBatch(outcome, time.Since(batchStart), len(records))
		}
		if err != nil {
			return uploaded, fmt.Errorf("upload batch: %w", err)
		}
		if len(confirmed) == 0 {
			return uploaded, nil
		}
		if err := u.store.MarkSynced(ctx, confirmed); err != nil {
			return uploaded, fmt.Errorf("mark synced: %w", err)
		}
		uploaded += len(confirmed)

		if len(records) < batchSize {
			return uploaded, nil
		}
	}
}

// uploadBatch dispatches one batch, applying the Rate Governor's per-document
// window and the documented retry/backoff policy, and returns the ids
// confirmed by the remote as successfully stored.
func (u *Uploader) uploadBatch(ctx context.Context, records []types.Record) ([]int64, error) {
	payload := make([]map[string]any, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		payload = append(payload, u.marshalRecord(r))
		ids = append(ids, r.ID)
	}

	body, err := json.Marshal(map[string]any{"records": wrapFields(payload)})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	var lastErr error
	authRefreshes := 0
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ratelimit.BackoffDelay(attempt))
		}

		token, err := u.ensureToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}

		url := fmt.Sprintf("%s/bitable/v1/apps/%s/tables/%s/records/batch_create", u.cfg.BaseURL, u.cfg.DocToken, u.cfg.TableID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		// Record at dispatch, before the round trip: the window bounds the
		// rate of outgoing calls, not completion rate, so a slow response
		// must not hold the slot open for concurrent callers.
		u.governor.AcquireDoc(u.cfg.DocToken)
		u.governor.RecordDoc(u.cfg.DocToken)
		resp, err := u.client.Do(req)
		if err != nil {
			lastErr = &types.UploadError{Kind: types.KindTransientNetwork, Retryable: true, Err: err}
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		kind, retryable := classifyResponse(resp.StatusCode, respBody)
		switch kind {
		case types.KindAuthExpired:
			// A fresh token that is immediately rejected again means the
			// credentials are bad, not merely stale.
			authRefreshes++
			if authRefreshes > 2 {
				return nil, &types.UploadError{Kind: types.KindPermissionDenied, StatusCode: resp.StatusCode, Err: fmt.Errorf("freshly issued token rejected %d times", authRefreshes)}
			}
			u.invalidateToken()
			attempt-- // refresh token, retry without consuming a retry slot
			continue
		case "":
			return confirmedIDs(ids, respBody), nil
		default:
			lastErr = &types.UploadError{Kind: kind, StatusCode: resp.StatusCode, Retryable: retryable, Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
			if !retryable {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

// Feishu-specific application error codes carried in the JSON body, which
// refine the plain HTTP status.
const (
	feishuCodeRateLimited  = 99991400
	feishuCodeTokenExpired = 99991663
)

// classifyResponse decides retryability from the HTTP status plus the
// service's application error code. The service signals rate limiting as
// either HTTP 429 or HTTP 400 with code 99991400; token expiry arrives as
// HTTP 401 or code 99991663.
func classifyResponse(status int, body []byte) (kind types.ErrorKind, retryable bool) {
	var envelope struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(body, &envelope)

	switch {
	case status >= 200 && status < 300 && envelope.Code == 0:
		return "", false
	case status == 401 || envelope.Code == feishuCodeTokenExpired:
		return types.KindAuthExpired, true
	case status == 429 || envelope.Code == feishuCodeRateLimited:
		return types.KindRateLimit, true
	case status >= 500:
		return types.KindTransientNetwork, true
	case status == 403:
		return types.KindPermissionDenied, false
	default:
		return types.KindConstraintViolation, false
	}
}

// confirmedIDs intersects the dispatched batch with the rows the remote
// actually acknowledged. The batch_create response echoes created records in
// request order, so a short response confirms only a prefix; anything not
// confirmed stays unsynced and is retried on a later pass.
func confirmedIDs(ids []int64, respBody []byte) []int64 {
	var payload struct {
		Data struct {
			Records []json.RawMessage `json:"records"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil || payload.Data.Records == nil {
		// Malformed or empty acknowledgment; trust the 2xx status for the
		// whole batch rather than stranding rows forever.
		return ids
	}
	if len(payload.Data.Records) >= len(ids) {
		return ids
	}
	return ids[:len(payload.Data.Records)]
}

func wrapFields(payload []map[string]any) []map[string]any {
	wrapped := make([]map[string]any, len(payload))
	for i, p := range payload {
		wrapped[i] = map[string]any{"fields": p}
	}
	return wrapped
}

// marshalRecord maps a record onto the remote schema: source fields the
// remote table lacks are dropped (with a one-time warning per field); fields
// whose remote type makes the source value
// unrepresentable are omitted rather than zeroed (the datetime case in
// particular).
func (u *Uploader) marshalRecord(r types.Record) map[string]any {
	source := map[string]any{
		"author":         r.Author,
		"content":        r.Content,
		"published_at":   r.PublishedAt,
		"likes":          r.Likes,
		"replies":        r.Replies,
		"reposts":        r.Reposts,
		"canonical_link": r.CanonicalLink,
		"category_hint":  r.CategoryHint,
	}

	out := make(map[string]any, len(source))
	for name, value := range source {
		meta, ok := u.schema[name]
		if !ok {
			u.warnMissingOnce(name)
			continue
		}
		marshalled, present := marshalField(meta.Type, value)
		if present {
			out[name] = marshalled
		}
	}
	return out
}

func (u *Uploader) warnMissingOnce(field string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.warnedMissing[field] {
		return
	}
	u.warnedMissing[field] = true
	u.logger.Warn("remote schema has no such field, values will be dropped", "field", field)
}

func marshalField(t FieldType, value any) (any, bool) {
	switch t {
	case FieldNumber:
		switch v := value.(type) {
		case uint32:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return int64(0), true
			}
			return int64(f), true
		default:
			return int64(0), true
		}
	case FieldDateTime:
		switch v := value.(type) {
		case time.Time:
			if v.IsZero() {
				return nil, false // omit, never zero
			}
			return v.UnixMilli(), true
		case int64:
			// Integers below 10^10 are seconds, not milliseconds.
			if v < 1e10 {
				return v * 1000, true
			}
			return v, true
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts.UnixMilli(), true
			}
			return nil, false
		default:
			return nil, false
		}
	case FieldText:
		if value == nil {
			return "", true
		}
		return fmt.Sprintf("%v", value), true
	default:
		return fmt.Sprintf("%v", value), true
	}
}

// ensureToken returns a cached bearer token, renewing it through the app
// credential exchange when absent or within tokenExpiryBuffer of expiry.
func (u *Uploader) ensureToken(ctx context.Context) (string, error) {
	u.mu.Lock()
	if u.token != "" && time.Until(u.tokenExpiresAt) > tokenExpiryBuffer {
		token := u.token
		u.mu.Unlock()
		return token, nil
	}
	u.mu.Unlock()

	body, err := json.Marshal(map[string]string{"app_id": u.cfg.AppID, "app_secret": u.cfg.AppSecret})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ratelimit.BackoffDelay(attempt))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		u.governor.AcquireApp()
		u.governor.RecordApp()
		resp, err := u.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		var payload struct {
			TenantAccessToken string `json:"tenant_access_token"`
			Expire            int    `json:"expire"`
			Code              int    `json:"code"`
			Msg               string `json:"msg"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = decodeErr
			continue
		}
		if payload.Code != 0 {
			lastErr = fmt.Errorf("token exchange failed: %s", payload.Msg)
			continue
		}

		u.mu.Lock()
		u.token = payload.TenantAccessToken
		u.tokenExpiresAt = time.Now().Add(time.Duration(payload.Expire) * time.Second)
		token := u.token
		u.mu.Unlock()
		return token, nil
	}
	return "", fmt.Errorf("token renewal exhausted retries: %w", lastErr)
}

func (u *Uploader) invalidateToken() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.token = ""
}

// ensureSchema fetches and caches the remote table's field list, building
// the fieldName → (fieldId, fieldType) map used by marshalRecord.
func (u *Uploader) ensureSchema(ctx context.Context) error {
	u.mu.Lock()
	if u.schema != nil {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	token, err := u.ensureToken(ctx)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bitable/v1/apps/%s/tables/%s/fields", u.cfg.BaseURL, u.cfg.DocToken, u.cfg.TableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch schema: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Data struct {
			Items []struct {
				FieldID string `json:"field_id"`
				Name    string `json:"field_name"`
				Type    int    `json:"type"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}

	schema := make(map[string]fieldMeta, len(payload.Data.Items))
	for _, item := range payload.Data.Items {
		schema[item.Name] = fieldMeta{ID: item.FieldID, Type: feishuTypeToFieldType(item.Type)}
	}

	u.mu.Lock()
	u.schema = schema
	u.mu.Unlock()
	return nil
}

// feishuTypeToFieldType maps Feishu Bitable's numeric field-type codes onto
// this package's marshalling categories. 1=text, 2=number, 5=datetime; all
// others fall back to string coercion.
func feishuTypeToFieldType(code int) FieldType {
	switch code {
	case 1:
		return FieldText
	case 2:
		return FieldNumber
	case 5:
		return FieldDateTime
	default:
		return FieldOther
	}
}
