// Package recordsqlite provides a SQLite-backed offline-first cache and sync
// engine for a student's violation and attendance records.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Config holds configuration for the record sync client
type Config struct {
	BaseURL string // e.g., "http://192.168.1.4:8080"
	Subject string // student id whose records are mirrored

	ActiveInterval  time.Duration // 10m
	IdleInterval    time.Duration // 30m
	ActivityTimeout time.Duration // 5m
	CacheTTL        time.Duration // 10m
	AssetTTL        time.Duration // 24h

	RequestTimeout time.Duration // 30s per fetch
	AckTimeout     time.Duration // 15s per acknowledgment
	AssetTimeout   time.Duration // 30s per image

	FullFetchLimit      int // 50, capped at recordsync.MaxPageSize
	RecentAssetSubjects int // 20
	MaxAckAttempts      int // 0 = retry forever

	ViolationRetention   time.Duration // 90 days
	AttendanceRetention  time.Duration // 180 days
	AssetRetention       time.Duration // 7 days
	HousekeepingSchedule string        // cron spec, "" disables

	AssetDir string // defaults to "<db dir>/assets"

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	Now             func() time.Time // injectable clock
}

// DefaultConfig returns a default configuration for one subject
func DefaultConfig(baseURL, subject string) *Config {
	return &Config{
		BaseURL:              strings.TrimRight(baseURL, "/"),
		Subject:              subject,
		ActiveInterval:       10 * time.Minute,
		IdleInterval:         30 * time.Minute,
		ActivityTimeout:      5 * time.Minute,
		CacheTTL:             10 * time.Minute,
		AssetTTL:             24 * time.Hour,
		RequestTimeout:       30 * time.Second,
		AckTimeout:           15 * time.Second,
		AssetTimeout:         30 * time.Second,
		FullFetchLimit:       recordsync.MaxPageSize,
		RecentAssetSubjects:  recordsync.MaxRecentPageSize,
		ViolationRetention:   90 * 24 * time.Hour,
		AttendanceRetention:  180 * 24 * time.Hour,
		AssetRetention:       7 * 24 * time.Hour,
		HousekeepingSchedule: "@every 24h",
	}
}

// Validate checks the fields the engine cannot run without
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.New("config.Subject must be provided")
	}
	if c.ActiveInterval <= 0 || c.IdleInterval <= 0 {
		return errors.New("sync intervals must be positive")
	}
	if c.CacheTTL < 0 || c.AssetTTL < 0 {
		return errors.New("cache TTLs must not be negative")
	}
	return nil
}

// Options configure Open
type Options struct {
	Path   string  // SQLite file; ignored when DB is set
	DB     *sql.DB // existing handle, must allow only one open connection
	Config *Config
	Token  func(context.Context) (string, error) // returns JWT, optional
	HTTP   *http.Client
	Remote Remote // overrides the HTTP remote
	Logger *slog.Logger
}

// Client wires the cache, queue, coordinator and scheduler for one subject
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Subject  string
	DeviceID string

	Store       *Store
	Pending     *PendingQueue
	Assets      *AssetCache // nil when no asset dir is known
	Network     *NetworkMonitor
	Coordinator *Coordinator
	Scheduler   *Scheduler
	Housekeeper *Housekeeper

	config *Config
	logger *slog.Logger
	ownsDB bool
}

// OpenDB opens a SQLite file with WAL, a busy timeout and immediate write
// transactions, limited to a single connection
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Open creates the database schema if needed and builds all components
func Open(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recordsqlite")

	db, ownsDB := opts.DB, false
	if db == nil {
		if opts.Path == "" {
			return nil, fmt.Errorf("either Options.DB or Options.Path must be provided")
		}
		var err error
		if db, err = OpenDB(opts.Path); err != nil {
			return nil, err
		}
		ownsDB = true
	}
	fail := func(err error) (*Client, error) {
		if ownsDB {
			db.Close()
		}
		return nil, err
	}

	if err := initializeDatabase(ctx, db); err != nil {
		return fail(fmt.Errorf("failed to initialize database: %w", err))
	}
	deviceID, err := EnsureDeviceID(ctx, db)
	if err != nil {
		return fail(err)
	}

	remote := opts.Remote
	if remote == nil {
		hr := NewHTTPRemote(cfg.BaseURL, opts.Token)
		if opts.HTTP != nil {
			hr.HTTP = opts.HTTP
		}
		remote = hr
	}

	store := NewStore(db, logger)
	pending := NewPendingQueue(store, cfg.Now)
	network := NewNetworkMonitor()

	var assets *AssetCache
	assetDir := cfg.AssetDir
	if assetDir == "" && opts.Path != "" && opts.Path != ":memory:" {
		assetDir = filepath.Join(filepath.Dir(opts.Path), "assets")
	}
	if assetDir != "" {
		if assets, err = NewAssetCache(store, remote, assetDir, cfg.AssetTTL, cfg.AssetTimeout, cfg.Now, logger); err != nil {
			return fail(err)
		}
	}

	coordinator := NewCoordinator(cfg, store, pending, assets, remote, network, logger)
	if err := coordinator.restoreStatus(ctx); err != nil {
		return fail(err)
	}
	scheduler := NewScheduler(cfg, coordinator, network, logger)
	housekeeper := NewHousekeeper(cfg, store, assets, logger)

	network.OnChange(func(old, new NetworkState) {
		logger.Info("network state changed", "from", old.String(), "to", new.String())
		if new == NetworkAvailable {
			scheduler.Wake()
		}
	})

	return &Client{
		DB:          db,
		BaseURL:     cfg.BaseURL,
		Subject:     cfg.Subject,
		DeviceID:    deviceID,
		Store:       store,
		Pending:     pending,
		Assets:      assets,
		Network:     network,
		Coordinator: coordinator,
		Scheduler:   scheduler,
		Housekeeper: housekeeper,
		config:      cfg,
		logger:      logger,
		ownsDB:      ownsDB,
	}, nil
}

// initializeDatabase creates cache and sync metadata tables
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			device_id  TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS violations (
			id            INTEGER PRIMARY KEY,
			subject_key   TEXT NOT NULL,
			recorded_at   INTEGER NOT NULL DEFAULT 0, -- unix ms
			acknowledged  INTEGER NOT NULL DEFAULT 0,
			payload       TEXT NOT NULL,             -- JSON of recordsync.Violation
			last_sync_at  INTEGER NOT NULL DEFAULT 0,
			is_synced     INTEGER NOT NULL DEFAULT 0,
			local_changes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_subject ON violations (subject_key, recorded_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS attendance (
			id            INTEGER PRIMARY KEY,
			subject_key   TEXT NOT NULL,
			recorded_at   INTEGER NOT NULL DEFAULT 0,
			acknowledged  INTEGER NOT NULL DEFAULT 0,
			payload       TEXT NOT NULL,
			last_sync_at  INTEGER NOT NULL DEFAULT 0,
			is_synced     INTEGER NOT NULL DEFAULT 0,
			local_changes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_subject ON attendance (subject_key, recorded_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS _sync_subject_meta (
			subject_key        TEXT NOT NULL,
			kind               TEXT NOT NULL,
			last_sync_at       INTEGER NOT NULL DEFAULT 0,
			last_full_sync_at  INTEGER NOT NULL DEFAULT 0,
			last_delta_sync_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (subject_key, kind)
		)`,

		// Pending acknowledgments (coalesced, one row per record)
		`CREATE TABLE IF NOT EXISTS _sync_pending_ack (
			record_id       INTEGER PRIMARY KEY,
			kind            TEXT NOT NULL,
			enqueued_at     INTEGER NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			last_attempt_at INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _asset_cache (
			subject_key  TEXT PRIMARY KEY,
			blob_path    TEXT NOT NULL,
			remote_url   TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes   INTEGER NOT NULL DEFAULT 0,
			fetched_at   INTEGER NOT NULL,
			valid        INTEGER NOT NULL DEFAULT 1
		)`,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID generates and persists an install id if not already present
func EnsureDeviceID(ctx context.Context, db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRowContext(ctx, `SELECT device_id FROM _sync_client_info WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.ExecContext(ctx, `
			INSERT INTO _sync_client_info (id, device_id, created_at) VALUES (1, ?, ?)
		`, deviceID, time.Now().UnixMilli())
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// Start starts the scheduler, the asset refresh worker and housekeeping
func (c *Client) Start(ctx context.Context) error {
	if c.Assets != nil {
		c.Assets.Start(ctx)
	}
	if err := c.Housekeeper.Start(ctx); err != nil {
		return err
	}
	return c.Scheduler.Start(ctx)
}

// Stop halts background work; the client stays usable for manual Sync calls
func (c *Client) Stop() {
	c.Scheduler.Stop()
	c.Housekeeper.Stop()
	if c.Assets != nil {
		c.Assets.Stop()
	}
}

// Close stops background work and closes the database if Open created it
func (c *Client) Close() error {
	c.Stop()
	c.Coordinator.Close()
	if c.ownsDB {
		return c.DB.Close()
	}
	return nil
}

// Sync runs one cycle now. forceRefresh bypasses the cache freshness check.
func (c *Client) Sync(ctx context.Context, forceRefresh bool) bool {
	c.Scheduler.NotifyUserInteraction()
	return c.Coordinator.Sync(ctx, forceRefresh)
}

// Status returns the current sync status
func (c *Client) Status() SyncStatus { return c.Coordinator.Status() }

// SetNetworkAvailable forwards a platform connectivity signal
func (c *Client) SetNetworkAvailable(available bool) { c.Network.SetAvailable(available) }

// SetForeground forwards app visibility to the scheduler
func (c *Client) SetForeground(foreground bool) { c.Scheduler.SetForeground(foreground) }

// NotifyUserInteraction keeps the scheduler on the active cadence
func (c *Client) NotifyUserInteraction() { c.Scheduler.NotifyUserInteraction() }

// Acknowledge marks a cached violation acknowledged and queues the remote
// confirmation in the same transaction. It succeeds offline.
func (c *Client) Acknowledge(ctx context.Context, id int64) error {
	queued := false
	err := c.Store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		var acknowledged, localChanges int
		err := tx.QueryRowContext(ctx, `SELECT acknowledged, local_changes FROM violations WHERE id = ?`, id).
			Scan(&acknowledged, &localChanges)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("violation %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read violation %d: %w", id, err)
		}
		if acknowledged == 1 && localChanges == 0 {
			return nil, nil
		}

		subject, err := markAcknowledgedInTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := c.Pending.EnqueueTx(ctx, tx, recordsync.KindViolation, id); err != nil {
			return nil, err
		}
		queued = true
		return []ChangeEvent{{Kind: recordsync.KindViolation, SubjectKey: subject}}, nil
	})
	if err != nil {
		return err
	}

	c.Scheduler.NotifyUserInteraction()
	if queued {
		c.logger.Info("violation acknowledged locally", "id", id, "network", c.Network.State().String())
		c.Scheduler.Wake()
	}
	return nil
}

// Violations returns the subject's cached violations, most recent first
func (c *Client) Violations(ctx context.Context) ([]recordsync.Violation, error) {
	records, err := c.Store.GetAll(ctx, recordsync.KindViolation, c.Subject)
	if err != nil {
		return nil, err
	}
	out := make([]recordsync.Violation, 0, len(records))
	for _, r := range records {
		v, err := r.Violation()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Attendance returns the subject's cached attendance, most recent first
func (c *Client) Attendance(ctx context.Context) ([]recordsync.Attendance, error) {
	records, err := c.Store.GetAll(ctx, recordsync.KindAttendance, c.Subject)
	if err != nil {
		return nil, err
	}
	out := make([]recordsync.Attendance, 0, len(records))
	for _, r := range records {
		a, err := r.Attendance()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ProfileImage returns the cached image of subject without touching the network
func (c *Client) ProfileImage(ctx context.Context, subject string) (*Asset, error) {
	if c.Assets == nil {
		return nil, nil
	}
	return c.Assets.Get(ctx, subject)
}

// RefreshImage forces a new download of subject's image
func (c *Client) RefreshImage(ctx context.Context, subject string) bool {
	if c.Assets == nil {
		return false
	}
	return c.Assets.RefreshImage(ctx, subject)
}
