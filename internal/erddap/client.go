// Package erddap downloads gridded subsets from an ERDDAP griddap server.
package erddap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/eriewatch/internal/config"
	"github.com/lox/eriewatch/internal/grid"
	"github.com/lox/eriewatch/internal/httputil"
	"github.com/lox/eriewatch/internal/metrics"
)

const (
	// GLSEA composites are stamped at noon, the satellite chlorophyll products at midnight.
	noonAnchor     = "T12:00:00Z"
	midnightAnchor = "T00:00:00Z"
)

// DownloadError means no usable payload could be fetched for a request.
type DownloadError struct {
	Dataset  string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.Dataset, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

type Client struct {
	cfg    config.ERDDAP
	bbox   config.BBox
	client *http.Client
}

func NewClient(cfg config.ERDDAP, bbox config.BBox) *Client {
	return &Client{
		cfg:    cfg,
		bbox:   bbox,
		client: httputil.NewClientWithTimeout(cfg.Timeout),
	}
}

// QueryURL builds the griddap request for one variable over an inclusive date range.
func (c *Client) QueryURL(datasetID, variable string, start, end time.Time) string {
	anchor := midnightAnchor
	if datasetID == c.cfg.SSTDataset {
		anchor = noonAnchor
	}

	return fmt.Sprintf("%s/griddap/%s.json?%s[(%s%s):1:(%s%s)][(%g):1:(%g)][(%g):1:(%g)]",
		c.cfg.BaseURL, datasetID, variable,
		start.Format("2006-01-02"), anchor, end.Format("2006-01-02"), anchor,
		c.bbox.LatMin, c.bbox.LatMax,
		c.bbox.LonMin, c.bbox.LonMax,
	)
}

// Fetch downloads and decodes the grid. Request failures are retried up to
// the configured attempt count; a *DownloadError is returned once they are
// exhausted. Undecodable payloads return a *grid.DecodeError without retrying.
func (c *Client) Fetch(ctx context.Context, datasetID, variable string, start, end time.Time) (*grid.Grid, error) {
	url := c.QueryURL(datasetID, variable, start, end)
	log.Printf("erddap: downloading %s %s from %s to %s", datasetID, variable, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var (
		result  *grid.Grid
		attempt int
	)
	operation := func() error {
		attempt++
		began := time.Now()

		g, err := c.attempt(ctx, url, datasetID, variable)
		metrics.ERDDAPLatency.WithLabelValues(datasetID).Observe(time.Since(began).Seconds())
		if err != nil {
			metrics.ERDDAPAttemptsTotal.WithLabelValues(datasetID, "error").Inc()
			log.Printf("erddap: attempt %d/%d for %s failed: %v", attempt, c.cfg.RetryAttempts, datasetID, err)
			return err
		}

		metrics.ERDDAPAttemptsTotal.WithLabelValues(datasetID, "success").Inc()
		result = g
		return nil
	}

	var bo backoff.BackOff = backoff.NewConstantBackOff(c.cfg.RetryDelay)
	bo = backoff.WithMaxRetries(bo, uint64(max(c.cfg.RetryAttempts-1, 0)))
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var decodeErr *grid.DecodeError
		if errors.As(err, &decodeErr) {
			return nil, decodeErr
		}
		log.Printf("erddap: giving up on %s after %d attempt(s)", datasetID, attempt)
		return nil, &DownloadError{Dataset: datasetID, Attempts: attempt, Err: err}
	}

	log.Printf("erddap: downloaded %s (%d cells)", datasetID, result.Len())
	return result, nil
}

// attempt performs a single request. The body is spooled to a scratch file
// and read back into memory before decoding; the file is always removed.
func (c *Client) attempt(ctx context.Context, url, datasetID, variable string) (*grid.Grid, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "eriewatch/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch: status %d: %s", resp.StatusCode, string(b))
	}

	tmp, err := os.CreateTemp(c.cfg.ScratchDir, "erddap-"+datasetID+"-*.json")
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create scratch file: %w", err))
	}
	defer removeScratch(tmp)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, backoff.Permanent(fmt.Errorf("write scratch file: %w", err))
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rewind scratch file: %w", err))
	}
	payload, err := io.ReadAll(tmp)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("read scratch file: %w", err))
	}

	g, err := grid.Decode(payload, variable)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return g, nil
}

func removeScratch(f *os.File) {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("erddap: close scratch file %s: %v", f.Name(), err)
	}
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("erddap: remove scratch file %s: %v", f.Name(), err)
	}
}
