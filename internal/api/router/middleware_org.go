package router

import (
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-booking-core/internal/tenancy"
)

const hospitalCodeHeader = "X-Hospital-Code"

// requireHospitalCode takes a hospital code from the X-Hospital-Code
// header or the hospital_code query param and populates a tenancy-scoped
// context for downstream handlers. A missing hospital code is not
// always fatal (several routes, e.g. /api/hospitals, are
// hospital-agnostic), so this only enriches the context and never
// rejects the request; handlers that require the code return
// missing_hospital_code themselves.
func requireHospitalCode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimSpace(r.Header.Get(hospitalCodeHeader))
		if code == "" {
			code = strings.TrimSpace(r.URL.Query().Get("hospital_code"))
		}
		ctx := r.Context()
		if code != "" {
			ctx = tenancy.WithHospitalCode(ctx, code)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// hospitalCodeFromRequest exposes the hospital code for local handlers.
func hospitalCodeFromRequest(r *http.Request) (string, bool) {
	return tenancy.HospitalCodeFromContext(r.Context())
}
