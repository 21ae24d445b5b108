// Package vendordb ingests line-based vendor databases (usb.ids, pci.ids,
// pnp.ids, oui.txt) into a SQLite cache keyed by a composite mtime string,
// per spec §4.1. It is the SQL-first half of the quirk store's two-backend
// Lookup/Iter.
package vendordb

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB is a single SQLite-backed vendor-ID cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates (if needed) and opens the cache at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn, path: path}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS entries (
	guid TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_guid_key ON entries(guid, key);
`

// Close releases the underlying SQLite connection.
func (d *DB) Close() error { return d.conn.Close() }

// Lookup returns the value for (guid, key), loaded from the cache.
func (d *DB) Lookup(guid, key string) (string, bool) {
	row := d.conn.QueryRow(`SELECT value FROM entries WHERE guid = ? AND key = ? LIMIT 1`, guid, key)
	var value string
	if err := row.Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

// Iter emits every (key, value) pair stored for guid, optionally
// restricted to a single key.
func (d *DB) Iter(guid string, key *string, cb func(key, value string)) {
	var rows *sql.Rows
	var err error
	if key != nil {
		rows, err = d.conn.Query(`SELECT key, value FROM entries WHERE guid = ? AND key = ?`, guid, *key)
	} else {
		rows, err = d.conn.Query(`SELECT key, value FROM entries WHERE guid = ?`, guid)
	}
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if rows.Scan(&k, &v) == nil {
			cb(k, v)
		}
	}
}

// compositeMtime is the invalidation key: the concatenation of each
// source file's mtime, in the order given (spec §4.1).
func compositeMtime(paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s:%d;", p, fi.ModTime().UnixNano())
	}
	return sb.String(), nil
}

// Refresh rebuilds the cache from paths (usb.ids/pci.ids/pnp.ids/oui.txt
// style files) unless the stored composite mtime already matches.
func (d *DB) Refresh(paths []string) error {
	want, err := compositeMtime(paths)
	if err != nil {
		return err
	}

	var have string
	row := d.conn.QueryRow(`SELECT value FROM meta WHERE key = 'mtime'`)
	_ = row.Scan(&have) // absent on first run; zero value is fine

	if have == want {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		tx.Rollback()
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO entries (guid, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, p := range paths {
		if err := ingestFile(p, stmt); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()

	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('mtime', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, want); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ingestFile parses one vendor-ID source file. The classic *.ids layout
// is two-column, tab-indented for sub-entries:
//
//	046d  Logitech, Inc.
//		c52b  Unifying Receiver
//
// A top-level line becomes "USB\VID_XXXX" -> Vendor = name; an indented
// line combined with the last top-level ID becomes
// "USB\VID_XXXX&PID_YYYY" -> Name = name (spec §4.1).
func ingestFile(path string, stmt *sql.Stmt) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var vendorID string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		indented := line[0] == '\t' || line[0] == ' '
		trimmed := strings.TrimLeft(line, " \t")
		fields := strings.SplitN(trimmed, "  ", 2)
		if len(fields) != 2 {
			fields = strings.SplitN(trimmed, "\t", 2)
		}
		if len(fields) != 2 {
			continue
		}
		id := strings.ToUpper(strings.TrimSpace(fields[0]))
		name := strings.TrimSpace(fields[1])

		if !indented {
			vendorID = id
			guid := instanceGUID("USB\\VID_" + id)
			if err := insert(stmt, guid, "Vendor", name); err != nil {
				return err
			}
			continue
		}
		if vendorID == "" {
			continue
		}
		guid := instanceGUID("USB\\VID_" + vendorID + "&PID_" + id)
		if err := insert(stmt, guid, "Name", name); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func insert(stmt *sql.Stmt, guid, key, value string) error {
	_, err := stmt.Exec(guid, key, value)
	return err
}
