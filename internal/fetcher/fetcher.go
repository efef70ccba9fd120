// Package fetcher retrieves spreadsheet files for ingestion from local
// paths and remote HTTP or FTP sources.
package fetcher

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher loads the raw bytes of a spreadsheet source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// Client dispatches a source string to the right transport: bare paths
// and file:// URLs read from disk, http(s):// and ftp:// go remote.
type Client struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewClient creates a Client with the given HTTP options and default
// FTP settings.
func NewClient(httpOpts HTTPOptions) *Client {
	return &Client{
		http: NewHTTPFetcher(httpOpts),
		ftp:  NewFTPFetcher(FTPOptions{}),
	}
}

// Fetch loads the source and returns its contents.
func (c *Client) Fetch(ctx context.Context, source string) ([]byte, error) {
	switch scheme(source) {
	case "http", "https":
		return c.http.Fetch(ctx, source)
	case "ftp":
		return c.ftp.Fetch(ctx, source)
	case "", "file":
		path := strings.TrimPrefix(source, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetch: read %s", path)
		}
		return data, nil
	default:
		return nil, eris.Errorf("fetch: unsupported scheme in %q", source)
	}
}

// scheme extracts the URL scheme from source, or "" for plain paths.
func scheme(source string) string {
	if !strings.Contains(source, "://") {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
