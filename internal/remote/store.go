// Package remote talks to the remote object store that holds backups and
// media, and to the credentials service that authorizes those requests.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

// ObjectStore is the subset of the remote store the backup pipeline uses.
// Download returns common.ErrNotFound when the object does not exist.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	Download(ctx context.Context, key string, offset int64) (DownloadResult, error)
	ListMedia(ctx context.Context, cursor string, limit int) (models.MediaPage, error)
}

// DownloadResult is an open object body.
type DownloadResult struct {
	Body io.ReadCloser
	// Offset is where Body starts within the object.
	Offset int64
	// Total is the object size, or -1 when the server did not say.
	Total int64
	// Resumed is false when the server ignored the requested offset and
	// Body starts at 0.
	Resumed bool
}

// TokenSource supplies the bearer credential for object store requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is an unexpected HTTP status from the object store.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("object store: unexpected status %s", e.Status)
}

// Unwrap maps 426 Upgrade Required to common.ErrUnsupportedBackupVersion:
// the server stores backups in a format this client is too old for.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUpgradeRequired {
		return common.ErrUnsupportedBackupVersion
	}
	return nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// total is -1 for "*".
func parseContentRange(v string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("bad content-range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("bad content-range %q", v)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("bad content-range %q: %w", v, err)
		}
	}
	if span == "*" {
		return total, total, nil
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad content-range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad content-range %q: %w", v, err)
	}
	return start, total, nil
}

func rangeHeader(offset int64) string {
	return fmt.Sprintf("bytes=%d-", offset)
}
