package visits

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "visits.db")
	s, err := Open(dbPath, t.TempDir(), SaveAlways, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateCustomer_DeterministicID(t *testing.T) {
	s := openTestStore(t)
	id1, created1, err := s.GetOrCreateCustomer("Nguyen Van A", "0912345678")
	require.NoError(t, err)
	require.True(t, created1)
	require.True(t, len(id1) == 14 && id1[:4] == "CUS-")

	id2, created2, err := s.GetOrCreateCustomer("Nguyen Van A", "091 234 5678")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id1, id2)
}

func TestSaveAndGetRecentVisits(t *testing.T) {
	s := openTestStore(t)
	id, _, err := s.GetOrCreateCustomer("Ben", "0911111111")
	require.NoError(t, err)

	visitID, err := s.Save(id, Payload{"patient_name": "Ben", "doctor_name": "Dr X"}, true, "tom tat", "facts")
	require.NoError(t, err)
	require.Contains(t, visitID, "VIS-")

	visits, err := s.GetRecentVisits(id, 5)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	require.Equal(t, "Dr X", visits[0].Payload["doctor_name"])
}

func TestFindVisitByBooking_MatchesBookingIndex(t *testing.T) {
	s := openTestStore(t)
	id, _, err := s.GetOrCreateCustomer("Cam", "0922222222")
	require.NoError(t, err)

	_, err = s.Save(id, Payload{
		"booking_index": map[string]any{
			"hospital_code": "H1",
			"doctor_name":   "Dr X",
			"date":          "2026-08-01",
			"slot_time":     "08:00",
		},
	}, true, "", "")
	require.NoError(t, err)

	found, err := s.FindVisitByBooking("H1", "2026-08-01", "Dr X", "08:00")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestFindVisitByBooking_NoMatch(t *testing.T) {
	s := openTestStore(t)
	found, err := s.FindVisitByBooking("H1", "2026-08-01", "Dr X", "08:00")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestBuildPersonalContext_OnlyEmitsPopulatedSections(t *testing.T) {
	s := openTestStore(t)
	id, _, err := s.GetOrCreateCustomer("Dung", "0933333333")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCustomerFactsSummary(id, "Di ung penicillin", "Kham tong quat binh thuong"))

	ctx, err := s.BuildPersonalContext(id, nil)
	require.NoError(t, err)
	require.Contains(t, ctx, "[PATIENT_FACTS]")
	require.Contains(t, ctx, "Di ung penicillin")
	require.Contains(t, ctx, "[LAST_SUMMARY]")
}

func TestSaveMode_FinalOnlyWritesFilesWhenFinal(t *testing.T) {
	outDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "visits.db")
	s, err := Open(dbPath, outDir, SaveFinal, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Save("CUS-x", Payload{"a": 1}, false, "", "")
	require.NoError(t, err)
	entries, _ := filepathGlob(outDir)
	require.Empty(t, entries)

	_, err = s.Save("CUS-x", Payload{"a": 1}, true, "", "")
	require.NoError(t, err)
	entries, _ = filepathGlob(outDir)
	require.NotEmpty(t, entries)
}

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*.json"))
}
