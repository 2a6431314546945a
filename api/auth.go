package api

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"metricsink/errs"
	"metricsink/logger"
)

// APIKeyHeader carries the shared secret.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests whose X-API-Key header does not match key.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return requireKey(func(got string) error { return checkAPIKey(key, got) })
}

// requireKey answers 401 for auth errors from check and 500 for anything
// else it returns.
func requireKey(check func(got string) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := check(r.Header.Get(APIKeyHeader))
			switch {
			case err == nil:
			case errs.IsAuth(err):
				logger.Ctx(r.Context(), zap.NewNop()).Warn("request rejected",
					zap.Error(err), zap.String("remote", r.RemoteAddr))
				writeErr(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
				return
			default:
				logger.Ctx(r.Context(), zap.NewNop()).Error("api key check failed", zap.Error(err))
				writeErr(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkAPIKey(want, got string) error {
	if got == "" {
		return errs.ErrMissingAPIKey
	}
	// An unset server key never matches anything.
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return errs.ErrInvalidAPIKey
	}
	return nil
}
