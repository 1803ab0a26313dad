package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/models"
)

const (
	baseURL        = "https://api.airtable.com/v0"
	requestTimeout = 30 * time.Second

	// listPageSize is Airtable's maximum page size.
	listPageSize = 100
)

// Client talks to the Airtable REST API. One client is bound to one
// access token; the engine builds a fresh client per run.
type Client struct {
	http    *http.Client
	token   string
	metrics *metrics.MetricsRegistry
}

var _ engine.AirtableClient = (*Client)(nil)

// New builds a client bound to an access token. metrics may be nil.
func New(token string, m *metrics.MetricsRegistry) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		token:   token,
		metrics: m,
	}
}

// Factory adapts New to the engine's client factory signature.
func Factory(m *metrics.MetricsRegistry) engine.AirtableClientFactory {
	return func(token string) engine.AirtableClient {
		return New(token, m)
	}
}

type recordResponse struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
}

type listResponse struct {
	Records []recordResponse `json:"records"`
	Offset  string           `json:"offset,omitempty"`
}

type schemaResponse struct {
	Tables []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		PrimaryFieldID string `json:"primaryFieldId"`
		Fields         []struct {
			ID      string          `json:"id"`
			Name    string          `json:"name"`
			Type    string          `json:"type"`
			Options json.RawMessage `json:"options,omitempty"`
		} `json:"fields"`
	} `json:"tables"`
}

type fieldOptions struct {
	Choices []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"choices,omitempty"`
	LinkedTableID string `json:"linkedTableId,omitempty"`
	Precision     int    `json:"precision,omitempty"`
}

// ListRecords pages through a table and returns every record.
func (c *Client) ListRecords(ctx context.Context, baseID, tableID string, opts engine.ListOptions) ([]models.AirtableRecord, error) {
	var out []models.AirtableRecord
	offset := ""
	for {
		q := url.Values{}
		q.Set("pageSize", fmt.Sprint(listPageSize))
		if opts.View != "" {
			q.Set("view", opts.View)
		}
		if opts.FilterFormula != "" {
			q.Set("filterByFormula", opts.FilterFormula)
		}
		if opts.MaxRecords > 0 {
			q.Set("maxRecords", fmt.Sprint(opts.MaxRecords))
		}
		if offset != "" {
			q.Set("offset", offset)
		}

		var page listResponse
		endpoint := fmt.Sprintf("%s/%s/%s?%s", baseURL, url.PathEscape(baseID), url.PathEscape(tableID), q.Encode())
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}

		for _, rec := range page.Records {
			out = append(out, toRecord(rec))
		}
		if page.Offset == "" {
			break
		}
		offset = page.Offset
		if opts.MaxRecords > 0 && len(out) >= opts.MaxRecords {
			out = out[:opts.MaxRecords]
			break
		}
	}
	return out, nil
}

// GetBaseSchema fetches table and field metadata for a base.
func (c *Client) GetBaseSchema(ctx context.Context, baseID string) ([]models.TableSchema, error) {
	var resp schemaResponse
	endpoint := fmt.Sprintf("%s/meta/bases/%s/tables", baseURL, url.PathEscape(baseID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]models.TableSchema, 0, len(resp.Tables))
	for _, t := range resp.Tables {
		table := models.TableSchema{
			ID:             t.ID,
			Name:           t.Name,
			PrimaryFieldID: t.PrimaryFieldID,
		}
		for _, f := range t.Fields {
			field := models.FieldSchema{
				ID:   f.ID,
				Name: f.Name,
				Type: models.ParseFieldType(f.Type),
			}
			if len(f.Options) > 0 {
				var opts fieldOptions
				if err := json.Unmarshal(f.Options, &opts); err == nil {
					fo := &models.FieldOptions{
						LinkedTableID: opts.LinkedTableID,
						Precision:     opts.Precision,
					}
					for _, ch := range opts.Choices {
						fo.Choices = append(fo.Choices, models.SelectChoice{ID: ch.ID, Name: ch.Name})
					}
					field.Options = fo
				}
			}
			table.Fields = append(table.Fields, field)
		}
		out = append(out, table)
	}
	return out, nil
}

// CreateRecords creates up to 10 records in one request and returns them
// with their assigned ids.
func (c *Client) CreateRecords(ctx context.Context, baseID, tableID string, fields []map[string]interface{}) ([]models.AirtableRecord, error) {
	type createEntry struct {
		Fields map[string]interface{} `json:"fields"`
	}
	payload := struct {
		Records  []createEntry `json:"records"`
		Typecast bool          `json:"typecast"`
	}{Typecast: true}
	for _, f := range fields {
		payload.Records = append(payload.Records, createEntry{Fields: f})
	}

	var resp listResponse
	endpoint := fmt.Sprintf("%s/%s/%s", baseURL, url.PathEscape(baseID), url.PathEscape(tableID))
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &resp); err != nil {
		return nil, err
	}
	out := make([]models.AirtableRecord, 0, len(resp.Records))
	for _, rec := range resp.Records {
		out = append(out, toRecord(rec))
	}
	return out, nil
}

// UpdateRecords applies partial updates to up to 10 records.
func (c *Client) UpdateRecords(ctx context.Context, baseID, tableID string, updates []engine.RecordUpdate) error {
	payload := struct {
		Records  []engine.RecordUpdate `json:"records"`
		Typecast bool                  `json:"typecast"`
	}{Records: updates, Typecast: true}

	endpoint := fmt.Sprintf("%s/%s/%s", baseURL, url.PathEscape(baseID), url.PathEscape(tableID))
	return c.do(ctx, http.MethodPatch, endpoint, payload, nil)
}

// DeleteRecords deletes up to 10 records by id.
func (c *Client) DeleteRecords(ctx context.Context, baseID, tableID string, ids []string) error {
	q := url.Values{}
	for _, id := range ids {
		q.Add("records[]", id)
	}
	endpoint := fmt.Sprintf("%s/%s/%s?%s", baseURL, url.PathEscape(baseID), url.PathEscape(tableID), q.Encode())
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// do executes one API call. Transport-level failures (no HTTP response)
// retry briefly with exponential backoff; HTTP errors map straight to
// ProviderError and are left to the caller's retry policy.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err // transient, retry
		}
		defer resp.Body.Close()

		if c.metrics != nil {
			c.metrics.ProviderCallsTotal.WithLabelValues("airtable", fmt.Sprint(resp.StatusCode)).Inc()
		}
		if err := httpError(resp); err != nil {
			return backoff.Permanent(err)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if pe, ok := err.(*backoff.PermanentError); ok {
			return pe.Err
		}
		return &engine.ProviderError{
			Provider: "airtable",
			Message:  "request failed after retries",
			Err:      err,
		}
	}
	return nil
}

// httpError maps a non-2xx response to a ProviderError.
func httpError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := http.StatusText(resp.StatusCode)
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	return &engine.ProviderError{
		Provider:   "airtable",
		StatusCode: resp.StatusCode,
		Message:    msg,
		Details:    string(data),
	}
}

func toRecord(rec recordResponse) models.AirtableRecord {
	out := models.AirtableRecord{ID: rec.ID, CreatedTime: rec.CreatedTime, Fields: rec.Fields}
	if out.Fields == nil {
		out.Fields = map[string]interface{}{}
	}
	return out
}
