// Package fetch loads tenant programs from remote sources, with a
// conditional-GET disk cache: a 304 reuses the cached file, a 200
// replaces it (best effort).
package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kvmbox/kvmbox/pkg/fsutil"
)

var (
	ErrInvalidURI = errors.New("invalid program uri")
	ErrBadStatus  = errors.New("unexpected http status fetching program")
)

// Result is a fetched program image.
type Result struct {
	Body []byte
	// Cached is true when the server answered 304 and Body came from
	// the local cache file.
	Cached bool
	// Local is true when the image never crossed the network.
	Local bool
}

var client = &http.Client{Timeout: 30 * time.Second}

// Program fetches a tenant program from uri. cacheFile, when set, is
// both the If-Modified-Since reference and the destination for a
// freshly fetched image.
func Program(uri, cacheFile string) (*Result, error) {
	if len(uri) < 5 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidURI)
	}

	// file:// and plain paths load directly.
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load program: %w", err)
		}
		return &Result{Body: data, Local: true}, nil
	}
	if !strings.Contains(uri, "://") {
		data, err := os.ReadFile(uri)
		if err != nil {
			return nil, fmt.Errorf("load program: %w", err)
		}
		return &Result{Body: data, Local: true}, nil
	}

	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if cacheFile != "" {
		if st, err := os.Stat(cacheFile); err == nil {
			req.Header.Set("If-Modified-Since", st.ModTime().UTC().Format(http.TimeFormat))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch program: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		data, err := os.ReadFile(cacheFile)
		if err != nil {
			return nil, fmt.Errorf("cached program unreadable: %w", err)
		}
		return &Result{Body: data, Cached: true, Local: true}, nil

	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch program: %w", err)
		}
		if cacheFile != "" && strings.HasPrefix(cacheFile, "/") {
			// A failed cache write only costs the next startup a fetch.
			_ = fsutil.WriteFileAtomic(cacheFile, data, 0o644)
		}
		return &Result{Body: data}, nil

	default:
		return nil, fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, uri)
	}
}
