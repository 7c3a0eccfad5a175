package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
)

// Fixed messages returned by the front surface.
const (
	msgUnauthorized      = "Unauthorized"
	msgInvalidSession    = "Invalid session"
	msgInternal          = "Internal server error"
	msgPlansFailed       = "Failed to fetch subscription plans"
	msgAuditsFailed      = "Failed to fetch SEO audits"
	defaultPlanMediaType = "application/json"
)

func asAppError(err error) (*apperr.Error, bool) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// authenticate resolves the session and writes the failure response itself.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	if s.Sessions == nil {
		s.writeAppError(w, r, apperr.Config("session resolver is not configured"), msgInternal)
		return auth.Session{}, false
	}
	session, err := auth.SessionFromRequest(r, s.Sessions)
	switch {
	case err == nil:
		return session, true
	case errors.Is(err, auth.ErrNoSession):
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
	case errors.Is(err, auth.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, msgInvalidSession)
	default:
		s.writeAppError(w, r, err, msgInternal)
	}
	return auth.Session{}, false
}

// listSeoAudits handles GET /api/seo-audits: every audit under the caller's
// projects, each with its page embedded.
func (s *Server) listSeoAudits(w http.ResponseWriter, r *http.Request) {
	session, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	audits, err := s.Store.ListAuditsForUser(ctx, session.UserID)
	if err != nil {
		s.logger.Error("list seo audits failed", zap.String("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgAuditsFailed)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

// backendToken handles GET /api/auth/backend-token.
func (s *Server) backendToken(w http.ResponseWriter, r *http.Request) {
	if s.Minter == nil {
		s.writeAppError(w, r, apperr.Config("token minter is not configured"), msgInternal)
		return
	}
	token, ok, err := s.Minter.MintForRequest(r)
	if err != nil {
		s.writeAppError(w, r, err, msgInternal)
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// proxyPlans handles GET /api/subscription/plans by relaying the upstream answer.
func (s *Server) proxyPlans(w http.ResponseWriter, r *http.Request) {
	if s.Plans == nil {
		s.writeAppError(w, r, apperr.Config("plan client is not configured"), msgInternal)
		return
	}
	resp, err := s.Plans.FetchPlans(r.Context())
	if err != nil {
		s.logger.Error("subscription plans upstream request failed",
			zap.String("upstream", s.Plans.URL()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if !resp.OK() {
		s.logger.Warn("subscription plans upstream failed",
			zap.String("upstream", s.Plans.URL()),
			zap.Int("status", resp.StatusCode),
		)
		writeError(w, resp.StatusCode, msgPlansFailed)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = defaultPlanMediaType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("relay subscription plans failed", zap.Error(err))
	}
}
