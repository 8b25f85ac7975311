package availability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/catalog"
)

type fakeBooked struct {
	slots map[string][]string
}

func (f *fakeBooked) BookedSlotsForDoctor(hospitalCode, doctorName, date string) ([]string, error) {
	return f.slots[doctorName], nil
}

func TestGetOverview_ComputesFreeIntervals(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "H1.json"), []byte(`{
		"doctors": [{"name": "Dr A", "department": "Noi Tong Quat"}]
	}`), 0o644))
	cat := catalog.New("", []string{dir}, nil)

	booked := &fakeBooked{slots: map[string][]string{"Dr A": {"07:40", "08:00", "09:00"}}}
	agg := New(cat, booked)

	overview, err := agg.GetOverview("H1", []string{"noi tong quat"}, "2026-08-01")
	require.NoError(t, err)
	require.Len(t, overview.Departments, 1)
	doc := overview.Departments[0].Doctors[0]
	require.Equal(t, []string{"07:40", "08:00", "09:00"}, doc.Booked)
	require.NotContains(t, doc.FreeSlots, "07:40")
	require.Contains(t, doc.FreeSlots, "08:20")

	// 08:20..08:40 should form one contiguous interval since 09:00 is booked.
	found := false
	for _, iv := range doc.FreeIntervals {
		if iv.Start == "08:20" && iv.End == "08:40" {
			found = true
		}
	}
	require.True(t, found, "expected an 08:20-08:40 free interval, got %+v", doc.FreeIntervals)
}
