// Package visits is the Visit/Customer Store (C5) and Visit Lookup
// (C9): an embedded SQLite store of customers and their visit history,
// with deterministic IDs, a three-way policy for writing sidecar
// visit files to disk, and exact-then-fuzzy lookup by booked slot.
package visits

import (
	"crypto/sha1"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// SaveMode controls whether Save writes JSON/TXT sidecar files to disk
// in addition to the database row.
type SaveMode string

const (
	// SaveAlways writes sidecar files for every visit (the default).
	SaveAlways SaveMode = "always"
	// SaveFinal writes sidecar files only when Save is called with
	// final=true.
	SaveFinal SaveMode = "final"
	// SaveNone never writes sidecar files; the database row is still
	// written.
	SaveNone SaveMode = "none"
)

// Store is the customer/visit persistence layer.
type Store struct {
	db       *sql.DB
	outDir   string
	saveMode SaveMode
	logger   *logging.Logger
}

// Open opens (creating if absent) a WAL-journaled SQLite file at path
// and ensures its schema.
func Open(path, outDir string, saveMode SaveMode, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if saveMode == "" {
		saveMode = SaveAlways
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("visits: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, outDir: outDir, saveMode: saveMode, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers(
			id TEXT PRIMARY KEY,
			name TEXT,
			phone TEXT UNIQUE,
			facts TEXT,
			last_summary TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS visits(
			visit_id TEXT PRIMARY KEY,
			customer_id TEXT,
			created_at TEXT,
			payload_json TEXT,
			summary TEXT,
			facts_extracted TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_customer_created ON visits(customer_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers(phone)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("visits: ensure schema: %w", err)
		}
	}
	return nil
}

// normalizePhone strips every non-digit character, matching the source
// tree's identity key (so "091 234 5678" and "0912345678" collide). No
// country-code rewriting is done: "+84 912 345 678" normalizes to
// "84912345678", a different key from "0912345678".
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func stableCustomerID(phone string) string {
	norm := normalizePhone(phone)
	sum := sha1.Sum([]byte(norm))
	return fmt.Sprintf("CUS-%x", sum)[:14] // "CUS-" + 10 hex chars
}

// GetOrCreateCustomer resolves a customer by phone, creating one with a
// deterministic ID derived from the normalized phone if absent. The
// second return reports whether a new customer was created.
func (s *Store) GetOrCreateCustomer(name, phone string) (string, bool, error) {
	norm := normalizePhone(phone)

	var id string
	err := s.db.QueryRow(`SELECT id FROM customers WHERE phone=?`, norm).Scan(&id)
	if err == nil {
		if _, execErr := s.db.Exec(`UPDATE customers SET name=? WHERE id=?`, name, id); execErr != nil {
			return "", false, execErr
		}
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, err
	}

	id = stableCustomerID(norm)
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO customers(id,name,phone,facts,last_summary) VALUES(?,?,?,?,?)`,
		id, name, norm, "", "",
	)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// GetCustomerByPhone looks up an existing customer id without creating
// one. The second return is false when no customer has this phone.
func (s *Store) GetCustomerByPhone(phone string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM customers WHERE phone=?`, normalizePhone(phone)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Save persists a visit row and, per the configured SaveMode, writes
// JSON/TXT sidecar files to outDir. It returns the generated visit id.
func (s *Store) Save(customerID string, payload Payload, final bool, summary, facts string) (string, error) {
	visitID := fmt.Sprintf("VIS-%d", time.Now().UnixNano())

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("visits: marshal payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO visits(visit_id,customer_id,created_at,payload_json,summary,facts_extracted) VALUES(?,?,datetime('now'),?,?,?)`,
		visitID, customerID, string(payloadJSON), summary, facts,
	)
	if err != nil {
		return "", fmt.Errorf("visits: insert: %w", err)
	}

	writeFiles := s.saveMode == SaveAlways || (s.saveMode == SaveFinal && final)
	if writeFiles && s.outDir != "" {
		if err := os.MkdirAll(s.outDir, 0o755); err != nil {
			s.logger.Warn("visits: sidecar mkdir failed", "error", err)
			return visitID, nil
		}
		prettyJSON, _ := json.MarshalIndent(payload, "", "  ")
		if err := os.WriteFile(filepath.Join(s.outDir, visitID+".json"), prettyJSON, 0o644); err != nil {
			s.logger.Warn("visits: sidecar json write failed", "error", err)
		}
		if err := os.WriteFile(filepath.Join(s.outDir, visitID+".txt"), []byte(prettyText(payload)), 0o644); err != nil {
			s.logger.Warn("visits: sidecar txt write failed", "error", err)
		}
	}
	return visitID, nil
}

// GetRecentVisits returns a customer's most recent visits, newest
// first.
func (s *Store) GetRecentVisits(customerID string, limit int) ([]VisitRecord, error) {
	rows, err := s.db.Query(
		`SELECT visit_id, created_at, payload_json, summary, facts_extracted FROM visits
		 WHERE customer_id=? ORDER BY created_at DESC LIMIT ?`,
		customerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VisitRecord
	for rows.Next() {
		var rec VisitRecord
		var payloadJSON string
		if err := rows.Scan(&rec.VisitID, &rec.CreatedAt, &payloadJSON, &rec.Summary, &rec.Facts); err != nil {
			return nil, err
		}
		rec.CustomerID = customerID
		rec.Payload = parsePayload(payloadJSON)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCustomerFactsSummary returns a customer's accumulated stable facts
// and last visit summary.
func (s *Store) GetCustomerFactsSummary(customerID string) (FactsSummary, error) {
	var facts, last sql.NullString
	err := s.db.QueryRow(`SELECT facts, last_summary FROM customers WHERE id=?`, customerID).Scan(&facts, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return FactsSummary{}, nil
	}
	if err != nil {
		return FactsSummary{}, err
	}
	return FactsSummary{Facts: facts.String, LastSummary: last.String}, nil
}

// UpdateCustomerFactsSummary overwrites a customer's accumulated facts
// and last visit summary.
func (s *Store) UpdateCustomerFactsSummary(customerID, facts, summary string) error {
	_, err := s.db.Exec(`UPDATE customers SET facts=?, last_summary=? WHERE id=?`, facts, summary, customerID)
	return err
}

func parsePayload(raw string) Payload {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{"raw": raw}
	}
	return p
}
