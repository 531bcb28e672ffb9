// Package db provides access to the idpp reference database: compounds,
// adducts and their measured properties (m/z, CCS, RT, MS2 spectra).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite" // cgo-free alternative driver

	"github.com/ChrisMcGann/idpp/internal/logging"
)

// Version is the idpp version written to new databases. Databases are
// compatible when release and major versions match.
const Version = "0.4.0"

// Supported database/sql driver names.
const (
	DriverCGo  = "sqlite3"
	DriverPure = "sqlite"
)

const (
	// Change log timestamp format (YY/MM/DD-hh:mm)
	tstampFormat = "06/01/02-15:04"
	// Database version format (YYMMDD.hh.mm)
	dbVersionFormat = "060102.15.04"
)

var (
	// ErrVersionMismatch is returned when the database was written by an
	// incompatible idpp version.
	ErrVersionMismatch = errors.New("database version mismatch")
	// ErrReadOnly is returned by write operations on a read-only database.
	ErrReadOnly = errors.New("database opened read-only")
)

// Options configures how a database is opened.
type Options struct {
	ReadOnly       bool
	EnforceVersion bool
	Driver         string // DriverCGo (default) or DriverPure
	Logger         *log.Logger
}

// VersionInfo is the single row of the VersionInfo table.
type VersionInfo struct {
	GoVersion   string
	IdppVersion string
	DBVersion   string
}

// ChangeLogEntry is a row of the ChangeLog table.
type ChangeLogEntry struct {
	Timestamp string
	Author    string
	Notes     string
}

// DB is a handle to a reference database.
type DB struct {
	sql     *sql.DB
	path    string
	opts    Options
	log     *log.Logger
	version VersionInfo
}

// Open opens an existing reference database. The file must exist; use Create
// for new databases.
func Open(path string, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	mode := "rw"
	if opts.ReadOnly {
		mode = "ro"
	}
	d, err := open(path, mode, opts)
	if err != nil {
		return nil, err
	}

	if err := d.loadVersionInfo(); err != nil {
		d.Close()
		return nil, err
	}
	if opts.EnforceVersion && !releaseAndMajorMatch(Version, d.version.IdppVersion) {
		d.Close()
		return nil, fmt.Errorf("%w: package version is %s but database has %s",
			ErrVersionMismatch, Version, d.version.IdppVersion)
	}

	d.log.Debug("opened database", "path", path, "read_only", opts.ReadOnly, "db_ver", d.version.DBVersion)
	return d, nil
}

// Create creates a new reference database with the full schema and an
// initial version and change log entry. An existing file is an error unless
// overwrite is set.
func Create(path string, overwrite bool, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("database file %s already exists", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove existing database: %w", err)
		}
	}
	opts.ReadOnly = false
	d, err := open(path, "rwc", opts)
	if err != nil {
		return nil, err
	}

	if _, err := d.sql.Exec(schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	now := time.Now()
	d.version = VersionInfo{
		GoVersion:   runtime.Version(),
		IdppVersion: Version,
		DBVersion:   now.Format(dbVersionFormat),
	}
	if _, err := d.sql.Exec(`INSERT INTO VersionInfo VALUES (?, ?, ?)`,
		d.version.GoVersion, d.version.IdppVersion, d.version.DBVersion); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to insert version info: %w", err)
	}
	if _, err := d.sql.Exec(`INSERT INTO ChangeLog VALUES (?, ?, ?)`,
		now.Format(tstampFormat), "idpp.db.Create", "create database"); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to insert change log entry: %w", err)
	}

	d.log.Info("created database", "path", path, "db_ver", d.version.DBVersion)
	return d, nil
}

func open(path, mode string, opts Options) (*DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverCGo
	}
	if driver != DriverCGo && driver != DriverPure {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, fmt.Sprintf("file:%s?mode=%s", path, mode))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if mode != "ro" {
		// SQLite allows a single writer
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{
		sql:  conn,
		path: path,
		opts: opts,
		log:  logging.OrDiscard(opts.Logger),
	}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if err := d.sql.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// ReadOnly reports whether the database was opened read-only.
func (d *DB) ReadOnly() bool {
	return d.opts.ReadOnly
}

// VersionInfo returns the version row read at open time.
func (d *DB) VersionInfo() VersionInfo {
	return d.version
}

func (d *DB) loadVersionInfo() error {
	row := d.sql.QueryRow(`SELECT go_ver, idpp_ver, db_ver FROM VersionInfo LIMIT 1`)
	if err := row.Scan(&d.version.GoVersion, &d.version.IdppVersion, &d.version.DBVersion); err != nil {
		return fmt.Errorf("failed to read version info: %w", err)
	}
	return nil
}

// ChangeLog returns all change log entries in insertion order.
func (d *DB) ChangeLog(ctx context.Context) ([]ChangeLogEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT tstamp, author, notes FROM ChangeLog ORDER BY ROWID`)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Author, &e.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertChangeLogEntry records a change with the current timestamp.
func (d *DB) InsertChangeLogEntry(ctx context.Context, author, notes string) error {
	if d.opts.ReadOnly {
		return ErrReadOnly
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO ChangeLog VALUES (?, ?, ?)`,
		nowTstamp(), author, notes)
	if err != nil {
		return fmt.Errorf("failed to insert change log entry: %w", err)
	}
	return nil
}

// releaseAndMajorMatch compares the first two components of two
// "release.major.minor" versions. Minor versions and suffixes are ignored.
func releaseAndMajorMatch(pkgVer, dbVer string) bool {
	p := strings.SplitN(pkgVer, ".", 3)
	d := strings.SplitN(dbVer, ".", 3)
	if len(p) < 2 || len(d) < 2 {
		return false
	}
	return p[0] == d[0] && p[1] == d[1]
}

func nowTstamp() string {
	return time.Now().Format(tstampFormat)
}
