// Package tenancy carries the hospital code that scopes a request
// through its context.Context.
package tenancy

import "context"

type ctxKey string

const hospitalKey ctxKey = "scheduling.hospital_code"

// WithHospitalCode stores the hospital code in context.
func WithHospitalCode(ctx context.Context, hospitalCode string) context.Context {
	return context.WithValue(ctx, hospitalKey, hospitalCode)
}

// HospitalCodeFromContext extracts the hospital code if present.
func HospitalCodeFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(hospitalKey)
	if val == nil {
		return "", false
	}
	code, ok := val.(string)
	return code, ok && code != ""
}
