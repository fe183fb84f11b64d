// Package cdn fetches bundle byte ranges and release metadata from the
// distribution CDN.
package cdn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"go.cdragon.dev/cdragon/config"
	"go.cdragon.dev/cdragon/rman"
)

// DefaultBaseURL is Riot's public CDN.
const DefaultBaseURL = "https://lol.dyn.riotcdn.net"

// A NetworkError wraps a transport failure or an unexpected HTTP status.
// Transient instances are retried with bounded backoff before being
// surfaced.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

// Error implements error.
func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// Unwrap returns the underlying transport error, if any.
func (e *NetworkError) Unwrap() error { return e.Err }

// A ByteRange addresses a span of a remote object.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// A Client performs byte-range requests against the CDN.
type Client struct {
	c       *http.Client
	baseURL string
	retries int
	log     *zap.Logger
}

// NewClient creates a CDN client from config. An empty base URL falls back
// to the public CDN.
func NewClient(cfg config.CDN, log *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		c:       &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		retries: cfg.MaxRetries,
		log:     log,
	}
}

// BundlePath returns the CDN path of a bundle object.
func BundlePath(id rman.BundleID) string {
	return fmt.Sprintf("channels/public/bundles/%016X.bundle", uint64(id))
}

func (c *Client) url(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return c.baseURL + "/" + path
}

// retryPolicy retries transient failures with exponential backoff, bounded
// by the configured attempt count.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)), ctx)
}

func (c *Client) get(ctx context.Context, url string, rangeHeader string) (*http.Response, error) {
	var resp *http.Response
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(&NetworkError{URL: url, Err: err})
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		r, err := c.c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &NetworkError{URL: url, Err: err}
		}
		switch {
		case r.StatusCode < 300:
			resp = r
			return nil
		case r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500:
			r.Body.Close()
			return &NetworkError{URL: url, Status: r.StatusCode}
		default:
			r.Body.Close()
			return backoff.Permanent(&NetworkError{URL: url, Status: r.StatusCode})
		}
	}, c.retryPolicy(ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchRanges downloads the given byte ranges of a bundle with a single
// request and returns one buffer per range, in request order. The server
// may answer with a single body, a multipart/byteranges body, or the whole
// object; all three are handled.
func (c *Client) FetchRanges(ctx context.Context, bundle rman.BundleID, ranges []ByteRange) ([][]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	url := c.url(BundlePath(bundle))

	specs := make([]string, 0, len(ranges))
	for _, r := range ranges {
		specs = append(specs, fmt.Sprintf("%d-%d", r.Offset, r.Offset+r.Length-1))
	}
	c.log.Debug("fetching ranges",
		zap.Stringer("bundle", bundle),
		zap.Int("count", len(ranges)),
		zap.String("ranges", strings.Join(specs, ",")))

	resp, err := c.get(ctx, url, "bytes="+strings.Join(specs, ","))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case resp.StatusCode == http.StatusPartialContent && mediaType == "multipart/byteranges":
		return readMultipart(url, resp.Body, params["boundary"], ranges)
	case resp.StatusCode == http.StatusPartialContent:
		if len(ranges) != 1 {
			return nil, &NetworkError{URL: url, Err: fmt.Errorf("expected multipart response for %d ranges", len(ranges))}
		}
		buf, err := readFull(url, resp.Body, ranges[0].Length)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	default:
		// Range request ignored; slice the ranges out of the full object.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &NetworkError{URL: url, Err: err}
		}
		out := make([][]byte, 0, len(ranges))
		for _, r := range ranges {
			if r.Offset+r.Length > uint64(len(body)) {
				return nil, &NetworkError{URL: url, Err: fmt.Errorf("range %d+%d beyond object size %d", r.Offset, r.Length, len(body))}
			}
			out = append(out, body[r.Offset:r.Offset+r.Length])
		}
		return out, nil
	}
}

func readFull(url string, r io.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("short range response: %w", err)}
	}
	return buf, nil
}

func readMultipart(url string, body io.Reader, boundary string, ranges []ByteRange) ([][]byte, error) {
	mr := multipart.NewReader(body, boundary)
	out := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		part, err := mr.NextPart()
		if err != nil {
			return nil, &NetworkError{URL: url, Err: fmt.Errorf("missing range part: %w", err)}
		}
		buf, err := readFull(url, part, r.Length)
		part.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	return out, nil
}

// ReleaseInfo describes the current release of a distribution channel.
type ReleaseInfo struct {
	Timestamp      string `json:"timestamp"`
	Version        uint16 `json:"version"`
	ClientPatchURL string `json:"client_patch_url"`
	GamePatchURL   string `json:"game_patch_url"`
}

// ChannelRelease fetches the release descriptor of a channel.
func (c *Client) ChannelRelease(ctx context.Context, channel string) (ReleaseInfo, error) {
	url := c.url("channels/public/" + channel + ".json")
	resp, err := c.get(ctx, url, "")
	if err != nil {
		return ReleaseInfo{}, err
	}
	defer resp.Body.Close()

	var info ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ReleaseInfo{}, &NetworkError{URL: url, Err: fmt.Errorf("bad release descriptor: %w", err)}
	}
	return info, nil
}

// DownloadFile fetches a CDN path or absolute URL to a local file. The
// write goes through a temporary file renamed into place, so a partial
// download never appears under the final name.
func (c *Client) DownloadFile(ctx context.Context, path, dest string) error {
	resp, err := c.get(ctx, c.url(path), "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return &NetworkError{URL: c.url(path), Err: err}
	} else if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
