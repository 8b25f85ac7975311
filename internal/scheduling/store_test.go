package scheduling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Loader {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "H1.json"), []byte(`{
		"departments": {
			"NTQ": {"name": "Noi Tong Quat", "doctors": [{"name": "Dr A"}]}
		}
	}`), 0o644))
	return catalog.New("", []string{dir}, nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "schedule.db")
	s, err := Open(dbPath, testCatalog(t), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBookSlot_RejectsUnknownDoctor(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr Unknown", "2026-08-01", "07:40", "NTQ")
	require.False(t, ok)
	require.NotNil(t, serr)
}

func TestBookSlot_RejectsInvalidSlotTime(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "07:41", "NTQ")
	require.False(t, ok)
	require.Equal(t, "invalid_slot_time: 07:41", serr.Error())
}

func TestBookSlot_SucceedsThenRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "07:40", "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)
	require.EqualValues(t, 1, s.Version())

	ok, serr = s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "07:40", "NTQ")
	require.False(t, ok)
	require.Equal(t, "already_booked", serr.Error())
}

func TestCreateHoldThenPromote(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "08:00", "sess-1", 300, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	// A second session cannot hold the same slot.
	ok, serr = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "08:00", "sess-2", 300, "NTQ")
	require.False(t, ok)
	require.Equal(t, "held_by_other", serr.Error())

	ok, serr = s.PromoteHoldToBooking("sess-1", "H1", "Noi Tong Quat", "Dr A", "2026-08-01", "08:00", "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	snap, err := s.GetBookingsSnapshotByCodes("H1", []string{"NTQ"}, "2026-08-01")
	require.NoError(t, err)
	require.Equal(t, []string{"08:00"}, snap.Bookings["NTQ"]["Dr A"])
}

func TestPromoteHoldToBooking_NoHold(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.PromoteHoldToBooking("sess-1", "H1", "Noi Tong Quat", "Dr A", "2026-08-01", "08:20", "NTQ")
	require.False(t, ok)
	require.Equal(t, "no_hold", serr.Error())
}

func TestCancelHoldsForSession(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "09:00", "sess-1", 300, "NTQ")
	require.NoError(t, s.CancelHoldsForSession("sess-1"))

	ok, _ := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "09:00", "sess-2", 300, "NTQ")
	require.True(t, ok)
}

func TestGetBlockedSnapshotByCodes_IncludesLiveHolds(t *testing.T) {
	s := openTestStore(t)
	_, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "10:00", "sess-1", 300, "NTQ")
	require.Nil(t, serr)

	blocked, err := s.GetBlockedSnapshotByCodes("H1", []string{"NTQ"}, "2026-08-01")
	require.NoError(t, err)
	require.Contains(t, blocked.Bookings["NTQ"]["Dr A"], "10:00")
}

func TestBackfillDepartmentCodes(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "11:00", "")
	require.True(t, ok)
	require.Nil(t, serr)

	summary, err := s.BackfillDepartmentCodes("H1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)

	snap, err := s.GetBookingsSnapshotByCodes("H1", []string{"NTQ"}, "2026-08-01")
	require.NoError(t, err)
	require.Contains(t, snap.Bookings["NTQ"]["Dr A"], "11:00")
}

func TestCreateHold_SameSessionRefreshesOwnHold(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "13:00", "sess-1", 300, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	// Re-holding the same key by the same session is an upsert, not a
	// conflict.
	ok, serr = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "13:00", "sess-1", 300, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)
}

func TestCreateHold_RejectsBookedSlot(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "14:00", "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	ok, serr = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "14:00", "sess-1", 300, "NTQ")
	require.False(t, ok)
	require.Equal(t, "already_booked", serr.Error())
}

func TestCreateHold_SweepsExpiredHolds(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:00", "sess-1", 60, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	// Force sess-1's hold past its TTL.
	_, err := s.db.Exec(`UPDATE holds SET expires_at = expires_at - 600 WHERE session_id = 'sess-1'`)
	require.NoError(t, err)

	ok, serr = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:00", "sess-2", 60, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	// sess-1's hold is gone, sess-2 now owns the slot.
	ok, serr = s.PromoteHoldToBooking("sess-1", "H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:00", "NTQ")
	require.False(t, ok)
	require.Equal(t, "held_by_other", serr.Error())
}

func TestPromoteHoldToBooking_Expired(t *testing.T) {
	s := openTestStore(t)
	ok, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:20", "sess-1", 60, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)

	_, err := s.db.Exec(`UPDATE holds SET expires_at = expires_at - 600 WHERE session_id = 'sess-1'`)
	require.NoError(t, err)

	ok, serr = s.PromoteHoldToBooking("sess-1", "H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:20", "NTQ")
	require.False(t, ok)
	require.Equal(t, "hold_expired", serr.Error())

	// The stale row was deleted, so a fresh hold succeeds immediately.
	ok, serr = s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:20", "sess-2", 60, "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)
}

func TestHoldsDoNotBumpVersion(t *testing.T) {
	s := openTestStore(t)
	before := s.Version()

	_, serr := s.CreateHold("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:40", "sess-1", 300, "NTQ")
	require.Nil(t, serr)
	require.Equal(t, before, s.Version())

	ok, serr := s.PromoteHoldToBooking("sess-1", "H1", "Noi Tong Quat", "Dr A", "2026-08-01", "15:40", "NTQ")
	require.True(t, ok)
	require.Nil(t, serr)
	require.Equal(t, before+1, s.Version())
}

func TestSnapshotByCodes_ReportsLegacyRows(t *testing.T) {
	s := openTestStore(t)
	// A row booked before department codes existed.
	ok, serr := s.BookSlot("H1", "Noi Tong Quat", "Dr A", "2026-08-01", "16:00", "")
	require.True(t, ok)
	require.Nil(t, serr)

	snap, err := s.GetBookingsSnapshotByCodes("H1", []string{"NTQ"}, "2026-08-01")
	require.NoError(t, err)
	require.Empty(t, snap.Bookings["NTQ"])
	require.Equal(t, 1, snap.LegacyRowsIgnored)

	// After backfill the same row is visible and no longer legacy.
	_, err = s.BackfillDepartmentCodes("H1")
	require.NoError(t, err)
	snap, err = s.GetBookingsSnapshotByCodes("H1", []string{"NTQ"}, "2026-08-01")
	require.NoError(t, err)
	require.Contains(t, snap.Bookings["NTQ"]["Dr A"], "16:00")
	require.Zero(t, snap.LegacyRowsIgnored)
}
