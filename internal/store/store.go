// Package store provides PostgreSQL-backed persistence for the plugin
// host's install/version audit log.
//
// Purpose:
// - Establish and maintain a PostgreSQL connection pool
// - Initialize the audit-log schema on startup
// - Record every LOADED/FAILED/UNLOADED state transition a plugin goes
//   through, so the install history survives a host restart
// - Validate configuration to prevent SQL injection via connection params
//
// This is a deliberately small supplement: the kernel's in-memory state
// machine (internal/plugins/state.go) remains the source of truth for a
// running host. Store only persists a history trail; the control
// plane's GET /plugins/installed is served from the running loader and
// does not read it back.
//
// Implementation Details:
// - Uses database/sql with the lib/pq PostgreSQL driver
// - Connection pool tuned for a single long-lived host process
//
// Dependencies:
// - PostgreSQL 12+
// - lib/pq driver for database/sql
package store

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Store is the persistence handle for the install/version audit log.
type Store struct {
	db *sql.DB
}

// InstallRecord is one row of the audit log: a single state transition
// a plugin went through, as observed by the loader.
type InstallRecord struct {
	PluginName string
	Version    string
	State      string
	Reason     string
	OccurredAt time.Time
}

// validateConfig validates database configuration to prevent SQL injection
// via unsanitized connection-string fields.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	return nil
}

// New opens a connection pool and verifies it with a ping. The pool is
// sized for a single host process, not a fleet of API servers.
func New(config Config) (*Store, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewForTesting wraps an existing *sql.DB (e.g. from sqlmock) for tests.
// Not for production use.
func NewForTesting(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the audit-log table if it does not already exist.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS plugin_install_log (
		id SERIAL PRIMARY KEY,
		plugin_name VARCHAR(255) NOT NULL,
		version VARCHAR(64) NOT NULL,
		state VARCHAR(32) NOT NULL,
		reason TEXT,
		occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create plugin_install_log: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_plugin_install_log_name
		ON plugin_install_log (plugin_name, occurred_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create plugin_install_log index: %w", err)
	}

	return nil
}

// RecordTransition appends a row to the audit log. Called by the loader
// whenever a plugin's state machine reaches LOADED, FAILED, or UNLOADED.
func (s *Store) RecordTransition(pluginName, version, state, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO plugin_install_log (plugin_name, version, state, reason) VALUES ($1, $2, $3, $4)`,
		pluginName, version, state, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition for %s: %w", pluginName, err)
	}
	return nil
}

// LatestByPlugin returns the most recent audit record for each distinct
// plugin name.
func (s *Store) LatestByPlugin() ([]InstallRecord, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT ON (plugin_name) plugin_name, version, state, reason, occurred_at
		FROM plugin_install_log
		ORDER BY plugin_name, occurred_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin_install_log: %w", err)
	}
	defer rows.Close()

	var records []InstallRecord
	for rows.Next() {
		var r InstallRecord
		var reason sql.NullString
		if err := rows.Scan(&r.PluginName, &r.Version, &r.State, &reason, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan install record: %w", err)
		}
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// History returns every audit record for a single plugin, newest first.
func (s *Store) History(pluginName string) ([]InstallRecord, error) {
	rows, err := s.db.Query(`
		SELECT plugin_name, version, state, reason, occurred_at
		FROM plugin_install_log
		WHERE plugin_name = $1
		ORDER BY occurred_at DESC`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", pluginName, err)
	}
	defer rows.Close()

	var records []InstallRecord
	for rows.Next() {
		var r InstallRecord
		var reason sql.NullString
		if err := rows.Scan(&r.PluginName, &r.Version, &r.State, &reason, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan install record: %w", err)
		}
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}
