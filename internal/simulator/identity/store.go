package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// ErrProfileNotFound is returned by Store.Get for unknown profiles.
var ErrProfileNotFound = errors.New("profile not found")

// Store is the SQLite profile database shared by the supervisor, which
// writes it, and the workers, which read their own profile.
type Store struct {
	db     *sql.DB
	dbPath string
}

const schemaVersion = 1

// OpenStore opens or creates the profile database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		connStr += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return store, nil
}

// initSchema creates tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		slot INTEGER NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		realm TEXT NOT NULL DEFAULT '',
		mailbox TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		local_addr TEXT NOT NULL DEFAULT '',
		interface TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_server ON profiles(server, slot);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
		return err
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a profile.
func (s *Store) Save(ctx context.Context, p Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	addr := ""
	if p.Address != nil {
		addr = p.Address.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (name, server, slot, username, password, domain, realm, mailbox, base_url, local_addr, interface, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			server = excluded.server,
			slot = excluded.slot,
			username = excluded.username,
			password = excluded.password,
			domain = excluded.domain,
			realm = excluded.realm,
			mailbox = excluded.mailbox,
			base_url = excluded.base_url,
			local_addr = excluded.local_addr,
			interface = excluded.interface,
			updated_at = excluded.updated_at`,
		p.Name, p.Server, p.Index, p.Username, p.Password, p.Domain, p.Realm, p.Mailbox,
		p.BaseURL, addr, p.Interface, p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.Name, err)
	}
	return nil
}

const profileColumns = `name, server, slot, username, password, domain, realm, mailbox, base_url, local_addr, interface, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scanner) (Profile, error) {
	var (
		p       Profile
		addr    string
		updated string
	)
	err := row.Scan(&p.Name, &p.Server, &p.Index, &p.Username, &p.Password, &p.Domain, &p.Realm,
		&p.Mailbox, &p.BaseURL, &addr, &p.Interface, &updated)
	if err != nil {
		return p, err
	}
	if addr != "" {
		p.Address = net.ParseIP(addr)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		p.UpdatedAt = t
	}
	return p, nil
}

// Get returns the profile called name.
func (s *Store) Get(ctx context.Context, name string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%s: %w", name, ErrProfileNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("load profile %s: %w", name, err)
	}
	return p, nil
}

// List returns the profiles of server ordered by slot index.
func (s *Store) List(ctx context.Context, server string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE server = ? ORDER BY slot`, server)
	if err != nil {
		return nil, fmt.Errorf("list profiles for %s: %w", server, err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearInterfaces forgets the interface names recorded for server, once
// they have been released.
func (s *Store) ClearInterfaces(ctx context.Context, server string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET interface = '' WHERE server = ?`, server)
	return err
}
