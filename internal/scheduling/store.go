// Package scheduling is the single-writer, SQLite-backed store of
// confirmed bookings and short-lived holds, with a monotonic version
// counter dashboards and the availability aggregator poll for change
// detection.
package scheduling

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-core/internal/schederr"
	"github.com/wolfman30/clinic-booking-core/internal/slotgrid"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// minHoldTTLSeconds is the floor applied to a caller-requested hold TTL.
const minHoldTTLSeconds = 60

// Store is the booking/hold store backed by one SQLite file. A single
// process-wide mutex serializes every mutation: slot contention is rare
// enough that a single writer is simpler and safer than row-level
// locking here.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	version atomic.Int64
	catalog DoctorValidator
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
}

// Open opens (creating if absent) a WAL-journaled SQLite file at path
// and ensures its schema. Schema setup is idempotent, so Open is safe
// against files created by any earlier version.
func Open(path string, validator DoctorValidator, m *metrics.SchedulingMetrics, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("scheduling: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite file; avoids SQLITE_BUSY storms

	s := &Store{db: db, catalog: validator, metrics: m, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings(
			hospital_code TEXT NOT NULL,
			department TEXT NOT NULL,
			doctor_name TEXT NOT NULL,
			date TEXT NOT NULL,
			slot_time TEXT NOT NULL,
			department_code TEXT,
			PRIMARY KEY (hospital_code, doctor_name, date, slot_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_book_dept ON bookings(hospital_code, department, date)`,
		`CREATE INDEX IF NOT EXISTS idx_book_dept_code ON bookings(hospital_code, department_code, date)`,
		`CREATE TABLE IF NOT EXISTS holds(
			hospital_code TEXT,
			department TEXT,
			doctor_name TEXT,
			date TEXT,
			slot_time TEXT,
			session_id TEXT,
			held_at REAL,
			expires_at REAL,
			department_code TEXT,
			PRIMARY KEY (hospital_code, department, doctor_name, date, slot_time)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("scheduling: ensure schema: %w", err)
		}
	}
	// Best-effort ALTERs for files migrated from an older schema; a
	// "duplicate column" failure just means it already ran.
	addColumnIfMissing(s.db, "bookings", "department_code")
	addColumnIfMissing(s.db, "holds", "department_code")
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column string) {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, column))
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
		// Any other failure will surface the next time the column is
		// actually read or written.
		_ = err
	}
}

// Version returns the current monotonic bookings-version counter.
func (s *Store) Version() int64 { return s.version.Load() }

func (s *Store) bumpVersion() int64 {
	v := s.version.Add(1)
	s.metrics.SetBookingsVersion(v)
	return v
}

func (s *Store) doctorValid(hospitalCode, department, departmentCode, doctorName string) bool {
	if s.catalog == nil {
		return true
	}
	depNorm := catalog.NormalizeDepartment(department)
	if departmentCode != "" {
		byCode := s.catalog.DoctorsForDepartmentCodes(hospitalCode, []string{departmentCode})
		if contains(byCode[departmentCode], doctorName) {
			return true
		}
	}
	byName := s.catalog.DoctorsForDepartments(hospitalCode, []string{depNorm})
	return contains(byName[depNorm], doctorName)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// BookSlot inserts a confirmed booking directly (bypassing the hold
// flow), validating the slot time and the doctor/department pairing
// first.
func (s *Store) BookSlot(hospitalCode, department, doctorName, date, slotTime, departmentCode string) (bool, *schederr.Error) {
	slotTime = strings.TrimSpace(slotTime)
	if !slotgrid.IsAllowed(slotTime) {
		return false, schederr.New(schederr.InvalidSlotTime, slotTime)
	}
	depNorm := catalog.NormalizeDepartment(department)
	if !s.doctorValid(hospitalCode, department, departmentCode, doctorName) {
		return false, schederr.New(schederr.DoctorNotFoundInDepartment, doctorName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO bookings(hospital_code, department, doctor_name, date, slot_time, department_code)
		 VALUES (?,?,?,?,?,?)`,
		hospitalCode, depNorm, doctorName, date, slotTime, nullableString(departmentCode),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, schederr.New(schederr.AlreadyBooked, "")
		}
		return false, schederr.Wrap(schederr.DBError, "insert booking", err)
	}
	s.bumpVersion()
	s.metrics.ObserveBooking()
	return true, nil
}

// CreateHold places a short-lived soft hold on a slot for sessionID,
// rejecting it if already booked or held by a different session.
func (s *Store) CreateHold(hospitalCode, department, doctorName, date, slotTime, sessionID string, ttlSeconds int, departmentCode string) (bool, *schederr.Error) {
	slotTime = strings.TrimSpace(slotTime)
	if !slotgrid.IsAllowed(slotTime) {
		return false, schederr.New(schederr.InvalidSlotTime, slotTime)
	}
	depNorm := catalog.NormalizeDepartment(department)
	if !s.doctorValid(hospitalCode, department, departmentCode, doctorName) {
		return false, schederr.New(schederr.DoctorNotFoundInDepartment, doctorName)
	}
	if ttlSeconds < minHoldTTLSeconds {
		ttlSeconds = minHoldTTLSeconds
	}
	now := float64(time.Now().UnixNano()) / 1e9
	expires := now + float64(ttlSeconds)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A hold whose expires_at has been reached counts as expired.
	res, err := s.db.Exec(`DELETE FROM holds WHERE expires_at <= ?`, now)
	if err != nil {
		return false, schederr.Wrap(schederr.DBError, "expire holds", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		for range n {
			s.metrics.ObserveHoldExpired()
		}
	}

	var exists int
	err = s.db.QueryRow(
		`SELECT 1 FROM bookings WHERE hospital_code=? AND department=? AND doctor_name=? AND date=? AND slot_time=?`,
		hospitalCode, depNorm, doctorName, date, slotTime,
	).Scan(&exists)
	if err == nil {
		return false, schederr.New(schederr.AlreadyBooked, "")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, schederr.Wrap(schederr.DBError, "check booking", err)
	}

	var heldBy string
	err = s.db.QueryRow(
		`SELECT session_id FROM holds WHERE hospital_code=? AND department=? AND doctor_name=? AND date=? AND slot_time=?`,
		hospitalCode, depNorm, doctorName, date, slotTime,
	).Scan(&heldBy)
	if err == nil && heldBy != sessionID {
		return false, schederr.New(schederr.HeldByOther, "")
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, schederr.Wrap(schederr.DBError, "check hold", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO holds(hospital_code, department, doctor_name, date, slot_time, session_id, held_at, expires_at, department_code)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		hospitalCode, depNorm, doctorName, date, slotTime, sessionID, now, expires, nullableString(departmentCode),
	)
	if err != nil {
		return false, schederr.Wrap(schederr.DBError, "insert hold", err)
	}
	s.metrics.ObserveHoldCreated()
	return true, nil
}

// CancelHoldsForSession drops every hold owned by sessionID, e.g. when a
// caller picks a different option before finalizing.
func (s *Store) CancelHoldsForSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM holds WHERE session_id=?`, sessionID)
	return err
}

// PromoteHoldToBooking converts sessionID's hold on a slot into a
// confirmed booking, failing closed if the hold is missing, owned by
// another session, or expired. On expiry the dangling hold row is
// removed so it doesn't block a future hold attempt.
func (s *Store) PromoteHoldToBooking(sessionID, hospitalCode, department, doctorName, date, slotTime, departmentCode string) (bool, *schederr.Error) {
	slotTime = strings.TrimSpace(slotTime)
	depNorm := catalog.NormalizeDepartment(department)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9
	var holdSession string
	var expiresAt float64
	var holdCode sql.NullString
	err := s.db.QueryRow(
		`SELECT session_id, expires_at, department_code FROM holds WHERE hospital_code=? AND department=? AND doctor_name=? AND date=? AND slot_time=?`,
		hospitalCode, depNorm, doctorName, date, slotTime,
	).Scan(&holdSession, &expiresAt, &holdCode)
	if errors.Is(err, sql.ErrNoRows) {
		return false, schederr.New(schederr.NoHold, "")
	}
	if err != nil {
		return false, schederr.Wrap(schederr.DBError, "read hold", err)
	}
	if holdSession != sessionID {
		return false, schederr.New(schederr.HeldByOther, "")
	}
	if expiresAt <= now {
		_, _ = s.db.Exec(
			`DELETE FROM holds WHERE hospital_code=? AND department=? AND doctor_name=? AND date=? AND slot_time=?`,
			hospitalCode, depNorm, doctorName, date, slotTime,
		)
		return false, schederr.New(schederr.HoldExpired, "")
	}

	finalCode := departmentCode
	if finalCode == "" {
		finalCode = holdCode.String
	}

	_, err = s.db.Exec(
		`INSERT INTO bookings(hospital_code, department, doctor_name, date, slot_time, department_code) VALUES (?,?,?,?,?,?)`,
		hospitalCode, depNorm, doctorName, date, slotTime, nullableString(finalCode),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, schederr.New(schederr.AlreadyBooked, "")
		}
		return false, schederr.Wrap(schederr.DBError, "insert booking", err)
	}
	_, _ = s.db.Exec(
		`DELETE FROM holds WHERE hospital_code=? AND department=? AND doctor_name=? AND date=? AND slot_time=?`,
		hospitalCode, depNorm, doctorName, date, slotTime,
	)
	s.bumpVersion()
	s.metrics.ObserveBooking()
	return true, nil
}

// BookedSlotsForDoctor returns one doctor's blocked slot times on date
// (confirmed bookings plus live holds), satisfying
// internal/availability.BookedLookup.
func (s *Store) BookedSlotsForDoctor(hospitalCode, doctorName, date string) ([]string, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	rows, err := s.db.Query(
		`SELECT slot_time FROM bookings WHERE hospital_code=? AND doctor_name=? AND date=?
		 UNION
		 SELECT slot_time FROM holds WHERE hospital_code=? AND doctor_name=? AND date=? AND expires_at>?
		 ORDER BY slot_time`,
		hospitalCode, doctorName, date, hospitalCode, doctorName, date, now,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling: booked slots query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// GetBookingsSnapshot returns the day's bookings for the named
// departments, keyed by normalized display name.
func (s *Store) GetBookingsSnapshot(hospitalCode string, departments []string, date string) (*BookingsSnapshot, error) {
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	normed := make([]string, len(departments))
	for i, d := range departments {
		normed[i] = catalog.NormalizeDepartment(d)
	}
	out := &BookingsSnapshot{
		HospitalCode: hospitalCode,
		Date:         date,
		Version:      s.Version(),
		Bookings:     map[string]map[string][]string{},
	}
	if len(normed) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normed)), ",")
	args := make([]any, 0, len(normed)+2)
	args = append(args, hospitalCode, date)
	for _, d := range normed {
		args = append(args, d)
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT department, doctor_name, slot_time FROM bookings
			WHERE hospital_code=? AND date=? AND department IN (%s)
			ORDER BY department, doctor_name, slot_time`, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling: snapshot query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep, doc, slot string
		if err := rows.Scan(&dep, &doc, &slot); err != nil {
			return nil, err
		}
		byDoc, ok := out.Bookings[dep]
		if !ok {
			byDoc = map[string][]string{}
			out.Bookings[dep] = byDoc
		}
		byDoc[doc] = append(byDoc[doc], slot)
	}
	return out, rows.Err()
}

// GetBookingsSnapshotByCodes is the code-centric equivalent of
// GetBookingsSnapshot: legacy rows with no department_code are counted
// but never guessed at, since backfill (not inference) is the
// authoritative way to migrate them.
func (s *Store) GetBookingsSnapshotByCodes(hospitalCode string, departmentCodes []string, date string) (*BookingsSnapshotByCodes, error) {
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	codes := nonEmpty(departmentCodes)
	out := &BookingsSnapshotByCodes{
		HospitalCode: hospitalCode,
		Date:         date,
		Version:      s.Version(),
		Bookings:     map[string]map[string][]string{},
	}
	if len(codes) == 0 {
		return out, nil
	}

	var legacy int
	_ = s.db.QueryRow(
		`SELECT COUNT(*) FROM bookings WHERE hospital_code=? AND date=? AND department_code IS NULL`,
		hospitalCode, date,
	).Scan(&legacy)
	if legacy > 0 {
		out.LegacyRowsIgnored = legacy
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, 0, len(codes)+2)
	args = append(args, hospitalCode, date)
	for _, c := range codes {
		args = append(args, c)
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT department_code, doctor_name, slot_time FROM bookings
			WHERE hospital_code=? AND date=? AND department_code IN (%s)
			ORDER BY department_code, doctor_name, slot_time`, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling: snapshot-by-codes query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, doc, slot string
		if err := rows.Scan(&code, &doc, &slot); err != nil {
			return nil, err
		}
		byDoc, ok := out.Bookings[code]
		if !ok {
			byDoc = map[string][]string{}
			out.Bookings[code] = byDoc
		}
		byDoc[doc] = append(byDoc[doc], slot)
	}
	return out, rows.Err()
}

// GetBlockedSnapshotByCodes returns the union of confirmed bookings and
// live (non-expired) holds, keyed by department code: this is the
// two-stage planner's source of truth for "not actually free",
// since a slot under an active hold must not be offered as an option
// even though it has no confirmed booking row yet.
func (s *Store) GetBlockedSnapshotByCodes(hospitalCode string, departmentCodes []string, date string) (*BookingsSnapshotByCodes, error) {
	out, err := s.GetBookingsSnapshotByCodes(hospitalCode, departmentCodes, date)
	if err != nil {
		return nil, err
	}
	codes := nonEmpty(departmentCodes)
	if len(codes) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, 0, len(codes)+3)
	args = append(args, hospitalCode, date, float64(time.Now().UnixNano())/1e9)
	for _, c := range codes {
		args = append(args, c)
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT department_code, doctor_name, slot_time FROM holds
			WHERE hospital_code=? AND date=? AND expires_at>? AND department_code IN (%s)
			ORDER BY department_code, doctor_name, slot_time`, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling: blocked-snapshot query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, doc, slot string
		if err := rows.Scan(&code, &doc, &slot); err != nil {
			return nil, err
		}
		byDoc, ok := out.Bookings[code]
		if !ok {
			byDoc = map[string][]string{}
			out.Bookings[code] = byDoc
		}
		if !contains(byDoc[doc], slot) {
			byDoc[doc] = append(byDoc[doc], slot)
		}
	}
	return out, rows.Err()
}

// BackfillDepartmentCodes fills in NULL department_code values on
// legacy booking rows by matching their normalized department display
// name against the catalog's current code map.
func (s *Store) BackfillDepartmentCodes(hospitalCode string) (*BackfillSummary, error) {
	if s.catalog == nil {
		return &BackfillSummary{Hospitals: map[string]int{}}, nil
	}
	var targets []string
	if hospitalCode != "" {
		targets = []string{hospitalCode}
	} else {
		rows, err := s.db.Query(`SELECT DISTINCT hospital_code FROM bookings`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return nil, err
			}
			targets = append(targets, h)
		}
	}

	summary := &BackfillSummary{Hospitals: map[string]int{}}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range targets {
		meta, ok := s.catalog.GetHospitalMeta(h)
		if !ok || len(meta.DepartmentsByCode) == 0 {
			continue
		}
		updatedH := 0
		for code, info := range meta.DepartmentsByCode {
			name := info.Name
			if name == "" {
				name = code
			}
			normName := catalog.NormalizeDepartment(name)
			res, err := s.db.Exec(
				`UPDATE bookings SET department_code=? WHERE hospital_code=? AND department_code IS NULL AND department=?`,
				code, h, normName,
			)
			if err != nil {
				continue
			}
			n, _ := res.RowsAffected()
			updatedH += int(n)
		}
		if updatedH > 0 {
			summary.Hospitals[h] = updatedH
			summary.Updated += updatedH
		}
	}
	return summary, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
