package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultSidecarAddress = "http://localhost:5005"

type SidecarOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SidecarStore talks to the state API of a sidecar process over HTTP:
//
//	GET    /v1.0/state/{store}/{key}
//	POST   /v1.0/state/{store}
//	DELETE /v1.0/state/{store}/{key}
//
// A single http.Client is shared by all calls so connections are pooled.
type SidecarStore struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type sidecarStateItem struct {
	Key     string               `json:"key"`
	Value   json.RawMessage      `json:"value"`
	ETag    string               `json:"etag,omitempty"`
	Options *sidecarStateOptions `json:"options,omitempty"`
}

type sidecarStateOptions struct {
	Concurrency string `json:"concurrency"`
}

type sidecarResponse struct {
	status int
	header http.Header
	body   []byte
}

func NewSidecarStore(opts SidecarOptions) *SidecarStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultSidecarAddress
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &SidecarStore{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (s *SidecarStore) Describe() string {
	return "sidecar(" + s.baseURL + ")"
}

func (s *SidecarStore) Get(ctx context.Context, storeName, key string) (Entry, error) {
	if err := validateKey(storeName, key); err != nil {
		return Entry{}, err
	}
	resp, err := s.do(ctx, http.MethodGet, s.keyURL(storeName, key), nil, nil)
	if err != nil {
		return Entry{}, err
	}
	switch {
	case resp.status == http.StatusNoContent, resp.status == http.StatusNotFound:
		return Entry{}, ErrNotFound
	case resp.status == http.StatusOK:
		if len(bytes.TrimSpace(resp.body)) == 0 {
			return Entry{}, ErrNotFound
		}
		return Entry{Key: key, Value: resp.body, ETag: resp.header.Get("ETag")}, nil
	default:
		return Entry{}, sidecarStatusError("get", resp)
	}
}

// Set writes through the bulk save endpoint. The sidecar does not report the
// new etag, so the returned etag is always empty.
func (s *SidecarStore) Set(ctx context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := validateKey(storeName, key); err != nil {
		return "", err
	}
	raw := json.RawMessage(value)
	if !json.Valid(value) {
		encoded, err := json.Marshal(string(value))
		if err != nil {
			return "", err
		}
		raw = encoded
	}
	item := sidecarStateItem{Key: key, Value: raw}
	if etag != "" {
		item.ETag = etag
		item.Options = &sidecarStateOptions{Concurrency: "first-write"}
	}
	body, err := json.Marshal([]sidecarStateItem{item})
	if err != nil {
		return "", err
	}
	headers := map[string]string{"Content-Type": "application/json"}
	resp, err := s.do(ctx, http.MethodPost, s.storeURL(storeName), body, headers)
	if err != nil {
		return "", err
	}
	switch {
	case resp.status >= 200 && resp.status <= 299:
		return "", nil
	case resp.status == http.StatusConflict:
		return "", ErrETagMismatch
	default:
		return "", sidecarStatusError("save", resp)
	}
}

func (s *SidecarStore) Delete(ctx context.Context, storeName, key string) error {
	if err := validateKey(storeName, key); err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodDelete, s.keyURL(storeName, key), nil, nil)
	if err != nil {
		return err
	}
	if resp.status >= 200 && resp.status <= 299 || resp.status == http.StatusNotFound {
		return nil
	}
	return sidecarStatusError("delete", resp)
}

func (s *SidecarStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *SidecarStore) storeURL(storeName string) string {
	return s.baseURL + "/v1.0/state/" + url.PathEscape(storeName)
}

func (s *SidecarStore) keyURL(storeName, key string) string {
	return s.storeURL(storeName) + "/" + url.PathEscape(key)
}

// do issues the request, retrying transport failures, 429 and 5xx responses.
// Transport failures that outlast the retries surface as ErrUnavailable.
func (s *SidecarStore) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (sidecarResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := s.once(ctx, method, target, body, headers)
		if err != nil {
			if ctx.Err() != nil {
				return sidecarResponse{}, ctx.Err()
			}
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return sidecarResponse{}, waitErr
				}
				continue
			}
			return sidecarResponse{}, errors.Wrapf(ErrUnavailable, "%s %s: %v", method, target, err)
		}
		if (resp.status == http.StatusTooManyRequests || resp.status >= 500) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.header.Get("Retry-After"))); waitErr != nil {
				return sidecarResponse{}, waitErr
			}
			continue
		}
		return resp, nil
	}
}

func (s *SidecarStore) once(ctx context.Context, method, target string, body []byte, headers map[string]string) (sidecarResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return sidecarResponse{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sidecarResponse{}, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return sidecarResponse{}, readErr
	}
	return sidecarResponse{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

func (s *SidecarStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func sidecarStatusError(op string, resp sidecarResponse) error {
	message := strings.TrimSpace(string(resp.body))
	var parsed struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(resp.body, &parsed) == nil && parsed.Message != "" {
		if parsed.ErrorCode != "" {
			return fmt.Errorf("sidecar %s failed: status=%d code=%s message=%s", op, resp.status, parsed.ErrorCode, parsed.Message)
		}
		message = parsed.Message
	}
	return fmt.Errorf("sidecar %s failed: status=%d message=%s", op, resp.status, message)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
