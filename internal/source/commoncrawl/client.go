// Package commoncrawl implements the Common Crawl archive source client on
// top of the collection index API and WARC range reads.
package commoncrawl

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/source/download"
)

const (
	// Name is the backend identifier used in config, metrics, and events.
	Name = "commoncrawl"

	defaultIndexURL = "https://index.commoncrawl.org"
	defaultDataURL  = "https://data.commoncrawl.org"
	defaultPageSize = 500

	indexTimeLayout = "20060102150405"
)

// Config controls the Common Crawl client.
type Config struct {
	IndexURL          string
	DataURL           string
	Collections       []string
	RequestsPerMinute int
	PageSize          int
	Timeout           time.Duration
}

// Client lists captures across the configured crawl collections and fetches
// content by range-reading WARC records. It owns its own request budget.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	dl      *download.Client
}

// New builds a Client.
func New(cfg Config, dl *download.Client) *Client {
	if cfg.IndexURL == "" {
		cfg.IndexURL = defaultIndexURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		dl:      dl,
	}
}

// Name identifies the backend.
func (c *Client) Name() string { return Name }

// ListCaptures queries one index page of one collection. The page token is
// "<collection index>:<page number>"; the client advances across collections
// as each one is exhausted.
func (c *Client) ListCaptures(ctx context.Context, req archiver.ListRequest) (archiver.ListResult, error) {
	if len(c.cfg.Collections) == 0 {
		return archiver.ListResult{}, fmt.Errorf("%s: no collections configured: %w", Name, archiver.ErrSourceUnavailable)
	}
	collection, page, err := parseToken(req.PageToken)
	if err != nil {
		return archiver.ListResult{}, err
	}
	if collection >= len(c.cfg.Collections) {
		return archiver.ListResult{}, nil
	}
	if err := c.wait(ctx); err != nil {
		return archiver.ListResult{}, err
	}

	limit := req.Limit
	if limit <= 0 || limit > c.cfg.PageSize {
		limit = c.cfg.PageSize
	}
	q := url.Values{}
	q.Set("url", req.Domain+"/*")
	q.Set("output", "json")
	q.Set("filter", "=status:200")
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	if !req.From.IsZero() {
		q.Set("from", req.From.UTC().Format(indexTimeLayout))
	}
	if !req.To.IsZero() {
		q.Set("to", req.To.UTC().Format(indexTimeLayout))
	}

	target := fmt.Sprintf("%s/%s-index?%s", c.cfg.IndexURL, c.cfg.Collections[collection], q.Encode())
	resp, err := c.dl.Get(ctx, target, nil)
	if err != nil {
		return archiver.ListResult{}, &archiver.TransientError{Source: Name, Op: "list captures", Err: err}
	}

	// The index answers 404 both for unknown domains and for pages past the
	// end of the result set; both mean "this collection is done".
	if resp.StatusCode == http.StatusNotFound {
		return archiver.ListResult{NextPageToken: nextToken(collection+1, 0, len(c.cfg.Collections))}, nil
	}
	if err := checkStatus(resp.StatusCode, "list captures"); err != nil {
		return archiver.ListResult{}, err
	}

	records, err := parseIndexLines(resp.Body)
	if err != nil {
		return archiver.ListResult{}, err
	}

	var next string
	if len(records) >= limit {
		next = nextToken(collection, page+1, len(c.cfg.Collections))
	} else {
		next = nextToken(collection+1, 0, len(c.cfg.Collections))
	}
	return archiver.ListResult{Captures: records, NextPageToken: next}, nil
}

// FetchContent range-reads the WARC record and returns the HTTP payload.
func (c *Client) FetchContent(ctx context.Context, rec archiver.CaptureRecord) ([]byte, error) {
	if rec.WARCFilename == "" || rec.WARCLength <= 0 {
		return nil, &archiver.ParseError{Source: Name, Detail: "capture record missing warc location"}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Range", fmt.Sprintf("bytes=%d-%d", rec.WARCOffset, rec.WARCOffset+rec.WARCLength-1))
	resp, err := c.dl.Get(ctx, c.cfg.DataURL+"/"+rec.WARCFilename, headers)
	if err != nil {
		return nil, &archiver.TransientError{Source: Name, Op: "fetch warc", Err: err}
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		if err := checkStatus(resp.StatusCode, "fetch warc"); err != nil {
			return nil, err
		}
	}
	return extractPayload(resp.Body)
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("commoncrawl rate limit wait: %w", err)
	}
	return nil
}

func checkStatus(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return fmt.Errorf("%s %s: %w", Name, op, archiver.ErrRateLimited)
	case code == http.StatusNotFound:
		return &archiver.ParseError{Source: Name, Detail: fmt.Sprintf("%s: record missing (404)", op)}
	default:
		return &archiver.TransientError{Source: Name, Op: op, Err: fmt.Errorf("unexpected status %d", code)}
	}
}

type indexLine struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Mime      string `json:"mime"`
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Length    string `json:"length"`
	Offset    string `json:"offset"`
	Filename  string `json:"filename"`
}

func parseIndexLines(body []byte) ([]archiver.CaptureRecord, error) {
	var records []archiver.CaptureRecord
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry indexLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, &archiver.ParseError{Source: Name, Detail: "index line", Err: err}
		}
		ts, err := time.ParseInLocation(indexTimeLayout, entry.Timestamp, time.UTC)
		if err != nil {
			return nil, &archiver.ParseError{
				Source: Name,
				Detail: fmt.Sprintf("index timestamp %q", entry.Timestamp),
				Err:    err,
			}
		}
		rec := archiver.CaptureRecord{
			Source:       Name,
			URL:          entry.URL,
			Timestamp:    ts,
			RawTimestamp: entry.Timestamp,
			Digest:       entry.Digest,
			MimeType:     entry.Mime,
			WARCFilename: entry.Filename,
		}
		if n, err := strconv.Atoi(entry.Status); err == nil {
			rec.StatusCode = n
		}
		if n, err := strconv.ParseInt(entry.Length, 10, 64); err == nil {
			rec.Length = n
			rec.WARCLength = n
		}
		if n, err := strconv.ParseInt(entry.Offset, 10, 64); err == nil {
			rec.WARCOffset = n
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &archiver.ParseError{Source: Name, Detail: "index scan", Err: err}
	}
	return records, nil
}

// extractPayload gunzips a single WARC record and strips the WARC and HTTP
// header blocks, leaving the response body.
func extractPayload(raw []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &archiver.ParseError{Source: Name, Detail: "warc gzip", Err: err}
	}
	defer gz.Close() //nolint:errcheck // read-side close
	record, err := io.ReadAll(gz)
	if err != nil {
		return nil, &archiver.ParseError{Source: Name, Detail: "warc read", Err: err}
	}

	// WARC record layout: WARC headers, blank line, HTTP headers, blank
	// line, payload.
	payload := record
	for range 2 {
		idx := bytes.Index(payload, []byte("\r\n\r\n"))
		if idx < 0 {
			return nil, &archiver.ParseError{Source: Name, Detail: "warc record missing header boundary"}
		}
		payload = payload[idx+4:]
	}
	return bytes.TrimSuffix(payload, []byte("\r\n")), nil
}

func parseToken(token string) (collection, page int, err error) {
	if token == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, 0, &archiver.ParseError{Source: Name, Detail: fmt.Sprintf("page token %q", token)}
	}
	collection, err = strconv.Atoi(parts[0])
	if err == nil {
		page, err = strconv.Atoi(parts[1])
	}
	if err != nil {
		return 0, 0, &archiver.ParseError{Source: Name, Detail: fmt.Sprintf("page token %q", token), Err: err}
	}
	return collection, page, nil
}

func nextToken(collection, page, total int) string {
	if collection >= total {
		return ""
	}
	return fmt.Sprintf("%d:%d", collection, page)
}
