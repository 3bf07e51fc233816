package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/scaninspect/internal/httputil"
)

// HTTPStore treats each location as a (typically pre-signed) URL: GET reads,
// PUT writes, DELETE removes and HEAD probes.
type HTTPStore struct {
	client httputil.HTTPClient
	header http.Header
}

// NewHTTPStore returns a store using client. Headers in header are added to
// every request.
func NewHTTPStore(client httputil.HTTPClient, header http.Header) *HTTPStore {
	return &HTTPStore{client: client, header: header}
}

func (s *HTTPStore) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedLocation, err)
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return s.client.Do(req)
}

// check maps a response onto the store's error vocabulary.
func check(resp *http.Response) error {
	err := httputil.CheckResponse(resp)
	var se *httputil.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (s *HTTPStore) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := check(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPStore) Put(ctx context.Context, url string, r io.Reader) error {
	resp, err := s.do(ctx, http.MethodPut, url, r)
	if err != nil {
		return err
	}
	if err := check(resp); err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *HTTPStore) Delete(ctx context.Context, url string) error {
	resp, err := s.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if err := check(resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return resp.Body.Close()
}

func (s *HTTPStore) Exists(ctx context.Context, url string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	if err := check(resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}
