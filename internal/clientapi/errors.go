package clientapi

import (
	"errors"
	"net/http"

	"github.com/Konstantin-Sh/passvault/internal/apperror"
)

// statusFor maps a domain error onto an HTTP status code: conflicts
// are 409, auth failures are 400/401, a missing record is 404, a write
// that landed on a non-leader is a redirect (when forwarding did
// resolve a hint) or 503 otherwise.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, apperror.ErrAlreadyRegistered),
		errors.Is(err, apperror.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrBadSignature), errors.Is(err, apperror.ErrForbidden):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrBadNonce), errors.Is(err, apperror.ErrNotRegistered),
		errors.Is(err, apperror.ErrInvalidUserId):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		var notLeader *apperror.NotLeaderError
		if errors.As(err, &notLeader) {
			if notLeader.Hint == "" {
				return http.StatusServiceUnavailable
			}
			return http.StatusTemporaryRedirect
		}
		return http.StatusInternalServerError
	}
}
