package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte // key -> body
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket: *input.Bucket,
		key:    *input.Key,
		body:   body,
	})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &notFoundError{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "NoSuchKey: key not found" }

func TestStore_ArchiveVisit(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	now := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	record := &VisitRecord{
		VisitID:      "visit-123",
		CustomerID:   "CUS-abc1234567",
		HospitalCode: "H1",
		Payload:      map[string]any{"booking_index": map[string]any{"doctor_name": "Dr. Lan"}},
		Summary:      "follow-up visit",
		Facts:        "no allergies",
		ArchivedAt:   now,
	}

	err := store.ArchiveVisit(context.Background(), record)
	require.NoError(t, err)

	// Should have 2 PutObject calls: visit + manifest
	assert.Len(t, mock.putCalls, 2)

	assert.Contains(t, mock.putCalls[0].key, "visits/v1/by-date/2026/02/12/H1/visit-123.json")

	var decoded VisitRecord
	err = json.Unmarshal(mock.putCalls[0].body, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "visit-123", decoded.VisitID)

	assert.Contains(t, mock.putCalls[1].key, "visits/v1/manifests/")
	var entry ManifestEntry
	err = json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry)
	require.NoError(t, err)
	assert.Equal(t, "visit-123", entry.VisitID)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())

	err := store.ArchiveVisit(context.Background(), &VisitRecord{})
	assert.NoError(t, err) // no-op, no error
}

func TestStore_ManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	entry1 := ManifestEntry{VisitID: "visit-1", HospitalCode: "H1"}
	entry2 := ManifestEntry{VisitID: "visit-2", HospitalCode: "H1"}

	require.NoError(t, store.AppendManifest(context.Background(), entry1))
	require.NoError(t, store.AppendManifest(context.Background(), entry2))

	// The second append should contain both entries
	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}
