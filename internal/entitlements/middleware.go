package entitlements

import (
	"encoding/json"
	"net/http"

	"agendaclinica/internal/auth"
)

// RequireAccess gates a handler behind CheckAccess for the authenticated
// principal. Denials answer 402 with the decision body. Verification
// failures answer 503.
func (s *Service) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || principal.OwnerID == "" {
			writeDecision(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		decision := s.CheckAccess(r.Context(), principal.OwnerID)
		switch {
		case decision.HasAccess:
			next.ServeHTTP(w, r)
		case decision.AccessStatus == AccessError:
			writeDecision(w, http.StatusServiceUnavailable, decision)
		default:
			writeDecision(w, http.StatusPaymentRequired, decision)
		}
	})
}

func writeDecision(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
