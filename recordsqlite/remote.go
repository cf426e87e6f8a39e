// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Remote is the records API as seen by the engine
type Remote interface {
	FetchViolations(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Violation, error)
	FetchAttendance(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Attendance, error)
	Acknowledge(ctx context.Context, id int64) error
	ResolveAsset(ctx context.Context, subject string) (AssetSource, error)
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

// AssetSource is what the asset endpoint returned: a URL to download, or the image itself
type AssetSource struct {
	URL         string
	Data        []byte
	ContentType string
}

// DefaultMaxAssetBytes bounds a single image download
const DefaultMaxAssetBytes = 10 << 20

// HTTPRemote talks to the records API over HTTP
type HTTPRemote struct {
	BaseURL       string
	Token         func(context.Context) (string, error) // optional bearer token
	HTTP          *http.Client
	MaxAssetBytes int64
}

// NewHTTPRemote creates a remote client with a default HTTP client
func NewHTTPRemote(baseURL string, tok func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		Token:         tok,
		HTTP:          &http.Client{Timeout: 60 * time.Second},
		MaxAssetBytes: DefaultMaxAssetBytes,
	}
}

func (r *HTTPRemote) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWT token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (r *HTTPRemote) do(req *http.Request) (*http.Response, error) {
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (r *HTTPRemote) fetchRecords(ctx context.Context, kind, subject string, since int64, limit int) (*recordsync.RecordsResponse, error) {
	q := url.Values{}
	q.Set(recordsync.ParamKind, kind)
	if since > 0 {
		q.Set(recordsync.ParamSince, strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set(recordsync.ParamLimit, strconv.Itoa(limit))
	}
	endpoint := r.BaseURL + recordsync.PathRecords + url.PathEscape(subject) + "?" + q.Encode()

	req, err := r.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out recordsync.RecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s response: %v", ErrMalformedPayload, kind, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("remote reported failure for %s: %s", kind, out.Message)
	}
	return &out, nil
}

// FetchViolations performs a full (since == 0) or delta fetch of violations
func (r *HTTPRemote) FetchViolations(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Violation, error) {
	resp, err := r.fetchRecords(ctx, recordsync.KindViolation, subject, since, limit)
	if err != nil {
		return nil, err
	}
	return resp.Violations, nil
}

// FetchAttendance performs a full (since == 0) or delta fetch of attendance records
func (r *HTTPRemote) FetchAttendance(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Attendance, error) {
	resp, err := r.fetchRecords(ctx, recordsync.KindAttendance, subject, since, limit)
	if err != nil {
		return nil, err
	}
	return resp.Attendance, nil
}

// Acknowledge confirms a violation acknowledgment. 404 maps to ErrNotFound via RemoteError.
func (r *HTTPRemote) Acknowledge(ctx context.Context, id int64) error {
	endpoint := r.BaseURL + recordsync.PathRecords + strconv.FormatInt(id, 10) + recordsync.SuffixAck
	req, err := r.newRequest(ctx, http.MethodPost, endpoint)
	if err != nil {
		return err
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ack recordsync.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("%w: failed to decode acknowledge response: %v", ErrMalformedPayload, err)
	}
	if !ack.Success {
		return fmt.Errorf("remote rejected acknowledgment %d: %s", id, ack.Message)
	}
	return nil
}

// ResolveAsset asks the remote for a subject's image. The endpoint may answer
// with JSON carrying image_url or with the image bytes.
func (r *HTTPRemote) ResolveAsset(ctx context.Context, subject string) (AssetSource, error) {
	req, err := r.newRequest(ctx, http.MethodGet, r.BaseURL+recordsync.PathAsset+url.PathEscape(subject))
	if err != nil {
		return AssetSource{}, err
	}
	resp, err := r.do(req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AssetSource{}, ErrNoAsset
		}
		return AssetSource{}, err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var ar recordsync.AssetResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return AssetSource{}, fmt.Errorf("%w: failed to decode asset response: %v", ErrMalformedPayload, err)
		}
		if !ar.Success || ar.ImageURL == "" {
			return AssetSource{}, ErrNoAsset
		}
		return AssetSource{URL: r.resolveURL(ar.ImageURL)}, nil
	}

	data, err := r.readLimited(resp.Body)
	if err != nil {
		return AssetSource{}, err
	}
	if len(data) == 0 {
		return AssetSource{}, ErrNoAsset
	}
	return AssetSource{Data: data, ContentType: mediaType}, nil
}

// Download fetches raw bytes of an image URL
func (r *HTTPRemote) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := r.newRequest(ctx, http.MethodGet, r.resolveURL(rawURL))
	if err != nil {
		return nil, "", err
	}
	resp, err := r.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := r.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (r *HTTPRemote) readLimited(body io.Reader) ([]byte, error) {
	limit := r.MaxAssetBytes
	if limit <= 0 {
		limit = DefaultMaxAssetBytes
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: asset exceeds %d bytes", ErrInvalidImage, limit)
	}
	return data, nil
}

// resolveURL makes relative image paths absolute against BaseURL
func (r *HTTPRemote) resolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	base, err := url.Parse(r.BaseURL + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}
