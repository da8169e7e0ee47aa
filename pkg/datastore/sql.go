package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dhashemi/chatline/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for the routing and group tables.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

func (sf *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		address TEXT    PRIMARY KEY,
		handle  TEXT    NOT NULL UNIQUE CHECK(length(handle) > 0 AND length(handle) <= 32),
		online  INTEGER NOT NULL DEFAULT 1,
		seen_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS groups (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT    NOT NULL UNIQUE,
		creator_address TEXT    NOT NULL,
		created_at      TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS group_members (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		address  TEXT    NOT NULL,
		group_id INTEGER NOT NULL
	);
	`
	ctx := context.Background()
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := sf.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (sf *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := sf.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Identities ----

// CreateIdentity inserts a routing-table entry for a first-time address and
// marks it online. The initial handle comes from the name pool, so it is
// unique by construction; the handle format is still validated.
func (s *baseProvider) CreateIdentity(address, handle string) (*model.Identity, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return nil, fmt.Errorf("datastore: create identity: %w", err)
	}
	// Truncated to the stored resolution so the returned value round-trips.
	now := time.Now().UTC().Truncate(time.Second)
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO identities (address, handle, online, seen_at) VALUES (?, ?, 1, ?)",
		address, handle, formatDBTime(now))
	if err != nil {
		return nil, fmt.Errorf("datastore: create identity: %w", err)
	}
	return &model.Identity{
		Address: address,
		Handle:  handle,
		Online:  true,
		Seen:    now,
	}, nil
}

// GetIdentityByAddress retrieves an identity by its stable address key.
func (s *baseProvider) GetIdentityByAddress(address string) (*model.Identity, error) {
	return s.getIdentity("SELECT address, handle, online, seen_at FROM identities WHERE address = ?", address)
}

// GetIdentityByHandle retrieves an identity by its current display handle.
func (s *baseProvider) GetIdentityByHandle(handle string) (*model.Identity, error) {
	return s.getIdentity("SELECT address, handle, online, seen_at FROM identities WHERE handle = ?", handle)
}

func (s *baseProvider) getIdentity(query string, arg any) (*model.Identity, error) {
	id := &model.Identity{}
	var onlineInt int
	var seenAt string
	err := s.QueryRowContext(context.Background(), query, arg).
		Scan(&id.Address, &id.Handle, &onlineInt, &seenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get identity: %w", err)
	}
	id.Online = onlineInt != 0
	parsed, err := parseDBTime(seenAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get identity: %w", err)
	}
	id.Seen = parsed
	return id, nil
}

// RenameIdentity changes the display handle of an address. Uniqueness across
// the shared handle/group namespace is the Router's responsibility; the store
// only persists the change.
func (s *baseProvider) RenameIdentity(address, newHandle string) error {
	if err := model.ValidateHandle(newHandle); err != nil {
		return fmt.Errorf("datastore: rename identity: %w", err)
	}
	_, err := s.ExecContext(context.Background(),
		"UPDATE identities SET handle = ? WHERE address = ?", newHandle, address)
	if err != nil {
		return fmt.Errorf("datastore: rename identity: %w", err)
	}
	return nil
}

// SetOnline flips the online flag of an address. Identities are marked
// offline on disconnect, never deleted.
func (s *baseProvider) SetOnline(address string, online bool) error {
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := s.ExecContext(context.Background(),
		"UPDATE identities SET online = ?, seen_at = ? WHERE address = ?",
		onlineInt, formatDBTime(time.Now()), address)
	if err != nil {
		return fmt.Errorf("datastore: set online: %w", err)
	}
	return nil
}

// ListOnlineHandles returns the handles of all currently online identities in
// store retrieval order.
func (s *baseProvider) ListOnlineHandles() ([]string, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT handle FROM identities WHERE online = 1")
	if err != nil {
		return nil, fmt.Errorf("datastore: list online: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("datastore: scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// ---- Groups ----

// CreateGroup inserts a group row and returns it with the assigned ID.
func (s *baseProvider) CreateGroup(name, creatorAddress string) (*model.Group, error) {
	if err := model.ValidateHandle(name); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO groups (name, creator_address, created_at) VALUES (?, ?, ?)",
		name, creatorAddress, formatDBTime(now))
	if err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.Group{
		ID:             id,
		Name:           name,
		CreatorAddress: creatorAddress,
		CreatedAt:      now,
	}, nil
}

// GetGroupByName retrieves a group by name.
func (s *baseProvider) GetGroupByName(name string) (*model.Group, error) {
	g := &model.Group{}
	var createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT id, name, creator_address, created_at FROM groups WHERE name = ?", name).
		Scan(&g.ID, &g.Name, &g.CreatorAddress, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	g.CreatedAt = parsed
	return g, nil
}

// ListGroups returns all groups in id order.
func (s *baseProvider) ListGroups() ([]model.Group, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, name, creator_address, created_at FROM groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		g.CreatedAt = parsed
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ---- Memberships ----

// AddMember inserts one (address, group) membership row.
func (s *baseProvider) AddMember(address string, groupID int64) error {
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO group_members (address, group_id) VALUES (?, ?)", address, groupID)
	if err != nil {
		return fmt.Errorf("datastore: add member: %w", err)
	}
	return nil
}

// RemoveMember deletes the membership rows of an address in a group.
func (s *baseProvider) RemoveMember(address string, groupID int64) error {
	_, err := s.ExecContext(context.Background(),
		"DELETE FROM group_members WHERE address = ? AND group_id = ?", address, groupID)
	if err != nil {
		return fmt.Errorf("datastore: remove member: %w", err)
	}
	return nil
}

// IsMember reports whether an address belongs to a group.
func (s *baseProvider) IsMember(address string, groupID int64) (bool, error) {
	var id int64
	err := s.QueryRowContext(context.Background(),
		"SELECT id FROM group_members WHERE address = ? AND group_id = ? LIMIT 1",
		address, groupID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: is member: %w", err)
	}
	return true, nil
}

// ListMemberAddresses returns the addresses of all members of a group.
func (s *baseProvider) ListMemberAddresses(groupID int64) ([]string, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT address FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}
