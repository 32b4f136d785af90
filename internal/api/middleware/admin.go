// Package middleware provides HTTP middleware components for the evalbench API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/evalbench-io/evalbench/internal/config"
)

// AdminTokenHeader carries the shared secret for destructive operations.
const AdminTokenHeader = "X-Admin-Token" // pragma: allowlist secret

// AdminGuard gates a handler behind a shared admin token.
//
// The token is loaded from the environment once at startup and only its
// bcrypt hash is retained in memory. A nil guard (no token configured)
// rejects every request, so destructive endpoints stay closed rather than
// open on a misconfigured deployment.
type AdminGuard struct {
	tokenHash []byte
	logger    *slog.Logger
}

// LoadAdminGuard builds an AdminGuard from the EVALBENCH_ADMIN_TOKEN
// environment variable. Returns nil when no token is configured.
func LoadAdminGuard(logger *slog.Logger) (*AdminGuard, error) {
	token := config.GetEnvStr("EVALBENCH_ADMIN_TOKEN", "")
	if token == "" {
		return nil, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin token: %w", err)
	}

	return &AdminGuard{tokenHash: hash, logger: logger}, nil
}

// NewAdminGuard builds an AdminGuard for a known token. Used by tests and
// callers that source the token elsewhere.
func NewAdminGuard(token string, logger *slog.Logger) (*AdminGuard, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin token: %w", err)
	}

	return &AdminGuard{tokenHash: hash, logger: logger}, nil
}

// Protect wraps a handler so it only runs when the request carries the
// admin token in the X-Admin-Token header.
func (g *AdminGuard) Protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := GetCorrelationID(r.Context())

		if g == nil {
			writeAdminRejection(w, r, http.StatusForbidden,
				"Admin operations are disabled: no admin token configured", correlationID, nil)

			return
		}

		token := r.Header.Get(AdminTokenHeader)
		if token == "" {
			g.logger.Warn("Admin request without token",
				slog.String("path", r.URL.Path),
				slog.String("correlation_id", correlationID),
			)
			writeAdminRejection(w, r, http.StatusUnauthorized,
				"Missing admin token", correlationID, g.logger)

			return
		}

		if err := bcrypt.CompareHashAndPassword(g.tokenHash, []byte(token)); err != nil {
			g.logger.Warn("Admin request with invalid token",
				slog.String("path", r.URL.Path),
				slog.String("correlation_id", correlationID),
			)
			writeAdminRejection(w, r, http.StatusForbidden,
				"Invalid admin token", correlationID, g.logger)

			return
		}

		next.ServeHTTP(w, r)
	}
}

func writeAdminRejection(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail, correlationID string,
	logger *slog.Logger,
) {
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		if logger != nil {
			logger.Error("failed to write response with RFC 7807 error format",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}

		http.Error(w, detail, statusCode)
	}
}

// writeRFC7807Error writes an RFC 7807 problem+json response for middleware
// level rejections.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Rejected"
	}

	problem := map[string]interface{}{
		"type":           fmt.Sprintf("https://evalbench.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
