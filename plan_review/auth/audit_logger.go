package auth

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"schoolplan/plan_review/schema"
)

// AuditLogger records every authenticated request to a dedicated log so
// reviewer actions on submissions can be traced after the fact.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(out io.Writer) *AuditLogger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &AuditLogger{logger: slog.New(handler)}
}

func (a *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := r.Context().Value(UserRequestContextKey).(schema.User)
		if ok {
			a.logger.Info(
				"api request",
				"time", time.Now().UTC().Format(time.RFC3339),
				"method", r.Method,
				"path", r.URL.Path,
				"user_id", user.Id,
				"user_name", user.Name,
				"user_email", user.Email,
				"user_level", user.Level,
			)
		}
		next.ServeHTTP(w, r)
	})
}
