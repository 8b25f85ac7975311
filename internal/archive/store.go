// Package archive writes finalized visit records to S3 as an optional,
// best-effort sidecar — useful for downstream analytics or retraining
// without that concern living inside internal/visits' hot path.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// VisitRecord is the sidecar shape archived for one finalized visit.
// It deliberately carries a raw Payload rather than importing
// internal/visits, so the archive package stays a leaf dependency.
type VisitRecord struct {
	VisitID      string         `json:"visit_id"`
	CustomerID   string         `json:"customer_id"`
	HospitalCode string         `json:"hospital_code"`
	Payload      map[string]any `json:"payload"`
	Summary      string         `json:"summary"`
	Facts        string         `json:"facts"`
	ArchivedAt   time.Time      `json:"archived_at"`
}

// ManifestEntry is one line of the monthly append-only manifest used to
// enumerate archived visits without listing the whole bucket.
type ManifestEntry struct {
	VisitID      string `json:"visit_id"`
	HospitalCode string `json:"hospital_code"`
	S3Key        string `json:"s3_key"`
	ArchivedAt   string `json:"archived_at"`
}

// Store archives finalized visit records to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *slog.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ArchiveVisit writes a VisitRecord as JSON to S3 and appends it to the
// monthly manifest. A no-op when archival is not configured.
func (s *Store) ArchiveVisit(ctx context.Context, record *VisitRecord) error {
	if !s.Enabled() {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	now := record.ArchivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s3Key := fmt.Sprintf("visits/v1/by-date/%d/%02d/%02d/%s/%s.json",
		now.Year(), now.Month(), now.Day(), record.HospitalCode, record.VisitID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", s3Key, err)
	}

	s.logger.Info("archived visit to S3",
		"visit_id", record.VisitID,
		"hospital_code", record.HospitalCode,
		"s3_key", s3Key,
	)

	entry := ManifestEntry{
		VisitID:      record.VisitID,
		HospitalCode: record.HospitalCode,
		S3Key:        s3Key,
		ArchivedAt:   now.Format(time.RFC3339),
	}

	if err := s.AppendManifest(ctx, entry); err != nil {
		s.logger.Warn("failed to append manifest", "error", err, "visit_id", record.VisitID)
	}

	return nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// Uses read-modify-write since S3 doesn't support append.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := time.Now().UTC()
	manifestKey := fmt.Sprintf("visits/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if isNotFoundErr(err, nsk) {
			s.logger.Debug("manifest not found, creating new", "key", manifestKey)
		}
	} else {
		existing, _ = io.ReadAll(getResp.Body)
		getResp.Body.Close()
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}

	return nil
}

func isNotFoundErr(err error, _ *s3types.NoSuchKey) bool {
	return err != nil && (contains(err.Error(), "NoSuchKey") || contains(err.Error(), "404") || contains(err.Error(), "not found"))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
