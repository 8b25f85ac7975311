package tenancy

import (
	"context"
	"testing"
)

func TestWithHospitalCodeAndFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithHospitalCode(ctx, "hosp-123")

	got, ok := HospitalCodeFromContext(ctx)
	if !ok {
		t.Fatalf("expected hospital code to be present")
	}
	if got != "hosp-123" {
		t.Fatalf("expected hosp-123, got %s", got)
	}
}

func TestHospitalCodeFromContext_EmptyOrMissing(t *testing.T) {
	ctx := context.Background()
	if _, ok := HospitalCodeFromContext(ctx); ok {
		t.Fatalf("expected missing hospital code to return false")
	}

	ctx = context.WithValue(ctx, hospitalKey, 42)
	if _, ok := HospitalCodeFromContext(ctx); ok {
		t.Fatalf("expected non-string hospital code to return false")
	}

	ctx = WithHospitalCode(context.Background(), "")
	if _, ok := HospitalCodeFromContext(ctx); ok {
		t.Fatalf("expected empty hospital code to return false")
	}
}
