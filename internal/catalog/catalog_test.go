package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestGetHospitalMeta_LegacyNameKeyedShape(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "H1.json", `{
		"doctors": [
			{"name": "Dr A", "department": "noi tong quat"},
			{"name": "Dr B", "department": "Noi Tong Quat"}
		]
	}`)

	l := New("", []string{dir}, nil)
	meta, ok := l.GetHospitalMeta("H1")
	require.True(t, ok)
	require.Contains(t, meta.Departments, "Noi Tong Quat")
	require.ElementsMatch(t, []string{"Dr A", "Dr B"}, meta.Departments["Noi Tong Quat"])
}

func TestGetHospitalMeta_CodeCentricShape(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "H2.json", `{
		"departments": {
			"NTQ": {"name": "Noi Tong Quat", "doctors": [{"name": "Dr C"}]}
		}
	}`)

	l := New("", []string{dir}, nil)
	meta, ok := l.GetHospitalMeta("H2")
	require.True(t, ok)
	require.Equal(t, []string{"Dr C"}, meta.DepartmentsByCode["NTQ"].Doctors)
	require.Equal(t, "Noi Tong Quat", meta.DepartmentsByCode["NTQ"].Name)
	require.Contains(t, meta.Departments, "Noi Tong Quat")
}

func TestGetHospitalMeta_GenericDeepWalkFallback(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "H3.json", `{
		"facility": {
			"units": [
				{"specialty": "Nhi Khoa", "staff": [
					{"name": "Dr D", "title": "Bac si"}
				]}
			]
		}
	}`)

	l := New("", []string{dir}, nil)
	meta, ok := l.GetHospitalMeta("H3")
	require.True(t, ok)
	require.Contains(t, meta.Departments, "Nhi Khoa")
	require.Contains(t, meta.Departments["Nhi Khoa"], "Dr D")
}

func TestGetHospitalMeta_MissingHospitalReturnsFalse(t *testing.T) {
	l := New("", []string{t.TempDir()}, nil)
	_, ok := l.GetHospitalMeta("MISSING")
	require.False(t, ok)
}

func TestGetHospitalMeta_CachesUntilMtimeChanges(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "H4.json", `{"doctors":[{"name":"Dr E","department":"Noi"}]}`)

	l := New("", []string{dir}, nil)
	first, ok := l.GetHospitalMeta("H4")
	require.True(t, ok)

	writeJSON(t, dir, "H4.json", `{"doctors":[{"name":"Dr E","department":"Noi"},{"name":"Dr F","department":"Noi"}]}`)
	// Force a distinct mtime so the cache signature changes deterministically.
	future := filepath.Join(dir, "H4.json")
	bumped := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(future, bumped, bumped))

	second, ok := l.GetHospitalMeta("H4")
	require.True(t, ok)
	require.NotEqual(t, len(first.Departments["Noi"]), len(second.Departments["Noi"]))
}

func TestNormalizeDepartment(t *testing.T) {
	require.Equal(t, "Noi Tong Quat", NormalizeDepartment("  noi   TONG quat "))
}

func TestDoctorsForDepartmentsAndCodes(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "H5.json", `{
		"departments": {
			"DEP": {"name": "Da Lieu", "doctors": [{"name": "Dr G"}]}
		}
	}`)
	l := New("", []string{dir}, nil)

	byName := l.DoctorsForDepartments("H5", []string{"da lieu"})
	require.Equal(t, []string{"Dr G"}, byName["Da Lieu"])

	byCode := l.DoctorsForDepartmentCodes("H5", []string{"DEP"})
	require.Equal(t, []string{"Dr G"}, byCode["DEP"])
}
