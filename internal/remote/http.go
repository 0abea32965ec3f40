package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

// HTTPStore is an ObjectStore over a plain HTTP CDN:
//
//	PUT  {base}/backups/{key}
//	GET  {base}/backups/{key}      (honours Range)
//	GET  {base}/media?cursor=&limit=
type HTTPStore struct {
	base   string
	client *http.Client
	tokens TokenSource
}

// NewHTTPStore returns a store rooted at baseURL. tokens may be nil.
func NewHTTPStore(baseURL string, client *http.Client, tokens TokenSource) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{base: strings.TrimRight(baseURL, "/"), client: client, tokens: tokens}
}

func (s *HTTPStore) objectURL(key string) string {
	return s.base + "/backups/" + url.PathEscape(key)
}

func (s *HTTPStore) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup credentials: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (s *HTTPStore) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	req, err := s.newRequest(ctx, http.MethodPut, s.objectURL(key), r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (s *HTTPStore) Download(ctx context.Context, key string, offset int64) (DownloadResult, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return DownloadResult{}, err
	}
	if offset > 0 {
		req.Header.Set("Range", rangeHeader(offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return DownloadResult{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return DownloadResult{Body: resp.Body, Offset: 0, Total: resp.ContentLength, Resumed: offset == 0}, nil

	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return DownloadResult{}, err
		}
		if start != offset {
			resp.Body.Close()
			return DownloadResult{}, fmt.Errorf("object store answered range from %d, asked for %d", start, offset)
		}
		return DownloadResult{Body: resp.Body, Offset: start, Total: total, Resumed: true}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		_, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && total == offset {
			// the partial file already holds the whole object
			return DownloadResult{Body: http.NoBody, Offset: offset, Total: total, Resumed: true}, nil
		}
		if offset == 0 {
			return DownloadResult{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		// the object is shorter than the partial file, so it was replaced
		res, err := s.Download(ctx, key, 0)
		if err != nil {
			return DownloadResult{}, err
		}
		res.Resumed = false
		return res, nil

	case http.StatusNotFound:
		resp.Body.Close()
		return DownloadResult{}, fmt.Errorf("backup %q: %w", key, common.ErrNotFound)

	default:
		resp.Body.Close()
		return DownloadResult{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (s *HTTPStore) ListMedia(ctx context.Context, cursor string, limit int) (models.MediaPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := s.base + "/media"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := s.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.MediaPage{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.MediaPage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.MediaPage{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var page models.MediaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return models.MediaPage{}, fmt.Errorf("decode media page: %w", err)
	}
	return page, nil
}
