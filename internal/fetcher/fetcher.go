// Package fetcher retrieves remote projection releases and reads the archive
// and workbook formats they ship in.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote inputs.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
