// Package wayback implements the Wayback Machine archive source client on
// top of the CDX index API.
package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/source/download"
)

const (
	// Name is the backend identifier used in config, metrics, and events.
	Name = "wayback"

	defaultBaseURL  = "https://web.archive.org"
	defaultPageSize = 500

	// cdxTimeLayout is the 14-digit CDX timestamp format.
	cdxTimeLayout = "20060102150405"
)

// Config controls the Wayback client.
type Config struct {
	BaseURL           string
	RequestsPerMinute int
	PageSize          int
	Timeout           time.Duration
}

// Client lists captures via the CDX API and fetches raw snapshot bytes via
// the id_ replay endpoint. It owns its own request budget; no state is
// shared with other clients.
type Client struct {
	cfg     Config
	base    string
	limiter *rate.Limiter
	dl      *download.Client
}

// New builds a Client.
func New(cfg Config, dl *download.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Client{
		cfg:     cfg,
		base:    cfg.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		dl:      dl,
	}
}

// Name identifies the backend.
func (c *Client) Name() string { return Name }

// ListCaptures queries the CDX index for one page of captures. The resume
// key returned by the API is passed back verbatim as the page token.
func (c *Client) ListCaptures(ctx context.Context, req archiver.ListRequest) (archiver.ListResult, error) {
	if err := c.wait(ctx); err != nil {
		return archiver.ListResult{}, err
	}

	q := url.Values{}
	q.Set("url", req.Domain+"/*")
	q.Set("output", "json")
	q.Set("filter", "statuscode:200")
	q.Set("showResumeKey", "true")
	limit := req.Limit
	if limit <= 0 || limit > c.cfg.PageSize {
		limit = c.cfg.PageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if !req.From.IsZero() {
		q.Set("from", req.From.UTC().Format(cdxTimeLayout))
	}
	if !req.To.IsZero() {
		q.Set("to", req.To.UTC().Format(cdxTimeLayout))
	}
	if req.PageToken != "" {
		q.Set("resumeKey", req.PageToken)
	}

	resp, err := c.dl.Get(ctx, c.base+"/cdx/search/cdx?"+q.Encode(), nil)
	if err != nil {
		return archiver.ListResult{}, &archiver.TransientError{Source: Name, Op: "list captures", Err: err}
	}
	if err := checkStatus(resp.StatusCode, "list captures"); err != nil {
		return archiver.ListResult{}, err
	}
	return parseCDX(resp.Body)
}

// FetchContent downloads the raw snapshot bytes. The id_ flag asks the
// replay endpoint for the original body without rewriting.
func (c *Client) FetchContent(ctx context.Context, rec archiver.CaptureRecord) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ts := rec.RawTimestamp
	if ts == "" {
		ts = rec.Timestamp.UTC().Format(cdxTimeLayout)
	}
	target := fmt.Sprintf("%s/web/%sid_/%s", c.base, ts, rec.URL)
	resp, err := c.dl.Get(ctx, target, nil)
	if err != nil {
		return nil, &archiver.TransientError{Source: Name, Op: "fetch content", Err: err}
	}
	if err := checkStatus(resp.StatusCode, "fetch content"); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wayback rate limit wait: %w", err)
	}
	return nil
}

func checkStatus(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: %w", Name, op, archiver.ErrRateLimited)
	case code == http.StatusNotFound:
		return &archiver.ParseError{Source: Name, Detail: fmt.Sprintf("%s: snapshot missing (404)", op)}
	default:
		return &archiver.TransientError{Source: Name, Op: op, Err: fmt.Errorf("unexpected status %d", code)}
	}
}

// parseCDX decodes the CDX JSON output: a header row, capture rows, and
// (with showResumeKey) an empty row followed by a single-element resume row.
func parseCDX(body []byte) (archiver.ListResult, error) {
	if len(body) == 0 {
		return archiver.ListResult{}, nil
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return archiver.ListResult{}, &archiver.ParseError{Source: Name, Detail: "cdx response", Err: err}
	}
	if len(rows) == 0 {
		return archiver.ListResult{}, nil
	}

	fields := map[string]int{}
	for i, name := range rows[0] {
		fields[name] = i
	}
	for _, want := range []string{"timestamp", "original"} {
		if _, ok := fields[want]; !ok {
			return archiver.ListResult{}, &archiver.ParseError{
				Source: Name,
				Detail: fmt.Sprintf("cdx header missing %q", want),
			}
		}
	}

	var result archiver.ListResult
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		if len(row) == 1 {
			result.NextPageToken = row[0]
			continue
		}
		rec, err := rowToRecord(row, fields)
		if err != nil {
			return archiver.ListResult{}, err
		}
		result.Captures = append(result.Captures, rec)
	}
	return result, nil
}

func rowToRecord(row []string, fields map[string]int) (archiver.CaptureRecord, error) {
	get := func(name string) string {
		idx, ok := fields[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	raw := get("timestamp")
	ts, err := time.ParseInLocation(cdxTimeLayout, raw, time.UTC)
	if err != nil {
		return archiver.CaptureRecord{}, &archiver.ParseError{
			Source: Name,
			Detail: fmt.Sprintf("cdx timestamp %q", raw),
			Err:    err,
		}
	}

	rec := archiver.CaptureRecord{
		Source:       Name,
		URL:          get("original"),
		Timestamp:    ts,
		RawTimestamp: raw,
		Digest:       get("digest"),
		MimeType:     get("mimetype"),
	}
	if sc := get("statuscode"); sc != "" && sc != "-" {
		if n, err := strconv.Atoi(sc); err == nil {
			rec.StatusCode = n
		}
	}
	if l := get("length"); l != "" && l != "-" {
		if n, err := strconv.ParseInt(l, 10, 64); err == nil {
			rec.Length = n
		}
	}
	return rec, nil
}
