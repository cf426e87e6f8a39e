// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Asset is a cached profile image
type Asset struct {
	SubjectKey  string
	Path        string
	RemoteURL   string
	ContentType string
	Size        int64
	FetchedAt   time.Time
	Valid       bool
	Stale       bool // older than the TTL; still usable, a refresh has been requested
}

var allowedImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// AssetCache stores profile images on disk with metadata in SQLite
type AssetCache struct {
	store   *Store
	remote  Remote
	dir     string
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	flight    singleflight.Group
	refreshCh chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewAssetCache creates a cache writing blobs under dir
func NewAssetCache(store *Store, remote Remote, dir string, ttl, timeout time.Duration, now func() time.Time, logger *slog.Logger) (*AssetCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetCache{
		store:     store,
		remote:    remote,
		dir:       dir,
		ttl:       ttl,
		timeout:   timeout,
		now:       now,
		logger:    logger,
		refreshCh: make(chan string, 64),
	}, nil
}

// Start launches the background refresh worker
func (c *AssetCache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-workerCtx.Done():
				return
			case subject := <-c.refreshCh:
				c.Refresh(workerCtx, subject)
			}
		}
	}()
}

// Stop cancels the refresh worker and waits for it to exit
func (c *AssetCache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *AssetCache) requestRefresh(subject string) {
	select {
	case c.refreshCh <- subject:
	default:
		c.logger.Debug("asset refresh queue full", "subject", subject)
	}
}

func (c *AssetCache) lookup(ctx context.Context, subject string) (*Asset, error) {
	var (
		a         Asset
		fetchedAt int64
		valid     int
	)
	err := c.store.db.QueryRowContext(ctx, `
		SELECT subject_key, blob_path, remote_url, content_type, size_bytes, fetched_at, valid
		FROM _asset_cache WHERE subject_key = ?`, subject).
		Scan(&a.SubjectKey, &a.Path, &a.RemoteURL, &a.ContentType, &a.Size, &fetchedAt, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read asset entry: %w", err)
	}
	a.FetchedAt = fromMillis(fetchedAt)
	a.Valid = valid != 0
	a.Stale = c.now().Sub(a.FetchedAt) >= c.ttl
	return &a, nil
}

// Get returns the cached image of subject, or nil. It never touches the network:
// stale or invalid entries are returned as-is and a refresh is queued.
func (c *AssetCache) Get(ctx context.Context, subject string) (*Asset, error) {
	a, err := c.lookup(ctx, subject)
	if err != nil || a == nil {
		return nil, err
	}
	if _, err := os.Stat(a.Path); err != nil {
		c.logger.Warn("asset blob missing, dropping entry", "subject", subject, "path", a.Path)
		if err := c.deleteEntry(ctx, subject); err != nil {
			return nil, err
		}
		c.requestRefresh(subject)
		return nil, nil
	}
	if a.Stale || !a.Valid {
		c.requestRefresh(subject)
	}
	return a, nil
}

// Open reads the image bytes of a cached entry
func (c *AssetCache) Open(a *Asset) ([]byte, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset blob: %w", err)
	}
	return data, nil
}

// EnsureCached downloads remoteURL for subject unless a valid, fresh entry for
// the same URL exists. A failed download leaves any previous entry untouched.
func (c *AssetCache) EnsureCached(ctx context.Context, subject, remoteURL string) bool {
	if remoteURL == "" {
		return false
	}
	a, err := c.lookup(ctx, subject)
	if err != nil {
		c.logger.Error("asset lookup failed", "subject", subject, "error", err)
		return false
	}
	if a != nil && a.Valid && !a.Stale && a.RemoteURL == remoteURL && fileExists(a.Path) {
		return true
	}

	_, err, _ = c.flight.Do("url:"+subject, func() (any, error) {
		dctx, cancel := c.withTimeout(ctx)
		defer cancel()
		data, _, err := c.remote.Download(dctx, remoteURL)
		if err != nil {
			return nil, err
		}
		return nil, c.put(ctx, subject, remoteURL, data)
	})
	if err != nil {
		c.logger.Warn("asset download failed", "subject", subject, "url", remoteURL, "error", err)
		return false
	}
	return true
}

// Refresh resolves the subject's image through the asset endpoint and caches it.
// A subject without an image is not an error.
func (c *AssetCache) Refresh(ctx context.Context, subject string) bool {
	rctx, cancel := c.withTimeout(ctx)
	src, err := c.remote.ResolveAsset(rctx, subject)
	cancel()
	if errors.Is(err, ErrNoAsset) {
		c.logger.Debug("no asset for subject", "subject", subject)
		return false
	}
	if err != nil {
		c.logger.Warn("asset resolve failed", "subject", subject, "error", err)
		return false
	}
	if len(src.Data) > 0 {
		_, err, _ = c.flight.Do("url:"+subject, func() (any, error) {
			return nil, c.put(ctx, subject, recordsync.PathAsset+url.PathEscape(subject), src.Data)
		})
		if err != nil {
			c.logger.Warn("asset store failed", "subject", subject, "error", err)
			return false
		}
		return true
	}
	return c.EnsureCached(ctx, subject, src.URL)
}

// RefreshImage invalidates the entry and downloads it again
func (c *AssetCache) RefreshImage(ctx context.Context, subject string) bool {
	if err := c.Invalidate(ctx, subject); err != nil {
		c.logger.Error("asset invalidate failed", "subject", subject, "error", err)
	}
	return c.Refresh(ctx, subject)
}

// Invalidate marks the entry invalid. The blob stays readable until replaced.
func (c *AssetCache) Invalidate(ctx context.Context, subject string) error {
	return c.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if _, err := tx.ExecContext(ctx, `UPDATE _asset_cache SET valid = 0 WHERE subject_key = ?`, subject); err != nil {
			return nil, fmt.Errorf("failed to invalidate asset: %w", err)
		}
		return nil, nil
	})
}

// EvictOlderThan removes entries fetched more than d ago, with their blobs
func (c *AssetCache) EvictOlderThan(ctx context.Context, d time.Duration) (int, error) {
	cutoff := toMillis(c.now().Add(-d))
	var paths []string
	err := c.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		rows, err := tx.QueryContext(ctx, `SELECT blob_path FROM _asset_cache WHERE fetched_at < ?`, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to query expired assets: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan asset path: %w", err)
			}
			paths = append(paths, p)
		}
		rows.Close()
		if _, err := tx.ExecContext(ctx, `DELETE FROM _asset_cache WHERE fetched_at < ?`, cutoff); err != nil {
			return nil, fmt.Errorf("failed to delete expired assets: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		removeQuietly(p)
	}
	return len(paths), nil
}

// Size returns the total bytes of cached images
func (c *AssetCache) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := c.store.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM _asset_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to compute asset cache size: %w", err)
	}
	return n, nil
}

// Clear removes every entry and blob
func (c *AssetCache) Clear(ctx context.Context) error {
	err := c.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _asset_cache`); err != nil {
			return nil, fmt.Errorf("failed to clear asset cache: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to list asset dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			removeQuietly(filepath.Join(c.dir, e.Name()))
		}
	}
	return nil
}

// put validates data and swaps it in: temp file, rename, then metadata commit.
// The previous blob is removed only after the new entry is committed.
func (c *AssetCache) put(ctx context.Context, subject, remoteURL string, data []byte) error {
	contentType, ext, err := validateImage(data)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		removeQuietly(tmpName)
		return fmt.Errorf("failed to write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		removeQuietly(tmpName)
		return fmt.Errorf("failed to close temp blob: %w", err)
	}

	finalPath := filepath.Join(c.dir, blobName(subject)+"-"+uuid.NewString()[:8]+ext)
	if err := os.Rename(tmpName, finalPath); err != nil {
		removeQuietly(tmpName)
		return fmt.Errorf("failed to move blob into place: %w", err)
	}

	var oldPath string
	err = c.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		err := tx.QueryRowContext(ctx, `SELECT blob_path FROM _asset_cache WHERE subject_key = ?`, subject).Scan(&oldPath)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read previous asset: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _asset_cache (subject_key, blob_path, remote_url, content_type, size_bytes, fetched_at, valid)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(subject_key) DO UPDATE SET
				blob_path = excluded.blob_path,
				remote_url = excluded.remote_url,
				content_type = excluded.content_type,
				size_bytes = excluded.size_bytes,
				fetched_at = excluded.fetched_at,
				valid = 1`,
			subject, finalPath, remoteURL, contentType, len(data), toMillis(c.now()))
		if err != nil {
			return nil, fmt.Errorf("failed to write asset entry: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		removeQuietly(finalPath)
		return err
	}
	if oldPath != "" && oldPath != finalPath {
		removeQuietly(oldPath)
	}
	return nil
}

func (c *AssetCache) deleteEntry(ctx context.Context, subject string) error {
	return c.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _asset_cache WHERE subject_key = ?`, subject); err != nil {
			return nil, fmt.Errorf("failed to delete asset entry: %w", err)
		}
		return nil, nil
	})
}

func (c *AssetCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// validateImage sniffs the payload and fully decodes it, returning the
// detected content type and file extension
func validateImage(data []byte) (string, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	mt := mimetype.Detect(data)
	allowed := false
	for _, t := range allowedImageTypes {
		if mt.Is(t) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", fmt.Errorf("%w: unsupported type %s", ErrInvalidImage, mt.String())
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return mt.String(), mt.Extension(), nil
}

func blobName(subject string) string {
	var b strings.Builder
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "asset"
	}
	return b.String()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("failed to remove blob", "path", path, "error", err)
	}
}
