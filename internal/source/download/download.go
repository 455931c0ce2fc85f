// Package download provides the colly-backed HTTP client shared by the
// archive source clients.
package download

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Response is the result of one GET.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client wraps a base colly collector with connection pooling. Non-2xx
// statuses are returned as responses, not errors; only transport failures
// produce an error.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt(), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Client{cfg: cfg, baseCollector: c}
}

// Get executes a single HTTP GET, honoring context cancellation.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (Response, error) {
	var (
		result   Response
		fetchErr error
	)

	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			StatusCode: r.StatusCode,
			Headers:    headerCopy(r.Headers),
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// HTTP-level error: surface the status to the caller.
			result = Response{
				StatusCode: r.StatusCode,
				Headers:    headerCopy(r.Headers),
				Body:       append([]byte(nil), r.Body...),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case visitErr := <-done:
		if fetchErr != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if result.StatusCode == 0 && visitErr != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", url, visitErr)
		}
		return result, nil
	}
}

func headerCopy(h *http.Header) http.Header {
	out := http.Header{}
	if h == nil {
		return out
	}
	for key, values := range *h {
		out[key] = append([]string(nil), values...)
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
