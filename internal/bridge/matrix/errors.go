package matrix

import (
	"errors"
	"net/http"
	"strings"

	"maunium.net/go/mautrix"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
)

// ClassifyError maps an error returned by a Matrix call onto the bridge's
// error taxonomy, so handling sites switch on one Category instead of
// re-checking homeserver error codes ad hoc at every call site.
func ClassifyError(err error) errtype.Category {
	if cat, ok := errtype.Of(err); ok {
		return cat
	}

	switch {
	case errors.Is(err, mautrix.MUserInUse), errors.Is(err, mautrix.MRoomInUse):
		return errtype.Conflict
	case errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MMissingToken):
		return errtype.Auth
	case errors.Is(err, mautrix.MForbidden):
		// Homeservers answer 403 both for genuine permission errors and for
		// membership operations that already happened.
		if strings.Contains(err.Error(), "already in the room") {
			return errtype.Conflict
		}
		return errtype.Forbidden
	case errors.Is(err, mautrix.MNotFound):
		return errtype.NotFound
	case errors.Is(err, mautrix.MLimitExceeded):
		return errtype.Transient
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		switch code := httpErr.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return errtype.Auth
		case code == http.StatusForbidden:
			return errtype.Forbidden
		case code == http.StatusNotFound:
			return errtype.NotFound
		case code == http.StatusConflict:
			return errtype.Conflict
		}
	}

	// Transport-level failures, 429s, and 5xx all land here: retryable.
	return errtype.Transient
}

// wrapErr tags err with its classified category so callers can dispatch
// with errtype.Is without re-deriving the classification.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return errtype.Wrap(ClassifyError(err), err)
}
