package scim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a SCIM error response from Identity Center. Beyond the standard
// detail/scimType fields the service attaches exceptionrequestid and
// timestamp, which it reports here for diagnostics.
type Error struct {
	Status    int
	Detail    string
	ScimType  string
	RequestId string
	Method    string
	Resource  string
}

func (e *Error) Error() string {
	var detail = e.Detail
	if detail == "" {
		detail = http.StatusText(e.Status)
	}
	var msg = fmt.Sprintf("%s %s: [%d] %s", e.Method, e.Resource, e.Status, detail)
	if e.RequestId != "" {
		msg += fmt.Sprintf(" (request: %s)", e.RequestId)
	}
	return msg
}

// parseError builds an Error from a non-2xx response body, tolerating both
// the standard SCIM error shape and the extra fields the service emits.
func parseError(method string, resource string, status int, body []byte) *Error {
	var e = &Error{Status: status, Method: method, Resource: resource}
	if len(body) == 0 {
		return e
	}
	var payload struct {
		Detail             string `json:"detail"`
		Message            string `json:"message"`
		ScimType           string `json:"scimType"`
		ExceptionRequestId string `json:"exceptionrequestid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		e.Detail = string(body)
		return e
	}
	e.Detail = payload.Detail
	if e.Detail == "" {
		e.Detail = payload.Message
	}
	e.ScimType = payload.ScimType
	e.RequestId = payload.ExceptionRequestId
	return e
}

func statusIs(err error, match func(int) bool) bool {
	var se *Error
	if errors.As(err, &se) {
		return match(se.Status)
	}
	return false
}

// IsNotFound reports whether a referenced entity does not exist remotely.
func IsNotFound(err error) bool {
	return statusIs(err, func(s int) bool { return s == http.StatusNotFound })
}

// IsConflict reports a create against an already-existing natural key.
func IsConflict(err error) bool {
	return statusIs(err, func(s int) bool { return s == http.StatusConflict })
}

// IsRateLimited reports a throttled request. The transport retries these with
// backoff before surfacing them.
func IsRateLimited(err error) bool {
	return statusIs(err, func(s int) bool { return s == http.StatusTooManyRequests })
}

// IsUnsupported reports an operation Identity Center is documented to reject,
// such as a full replace of a group.
func IsUnsupported(err error) bool {
	return statusIs(err, func(s int) bool { return s == http.StatusNotImplemented })
}

// IsFatal reports a credential or endpoint failure. These abort a whole run
// instead of being demoted to a per-entity result.
func IsFatal(err error) bool {
	return statusIs(err, func(s int) bool {
		return s == http.StatusUnauthorized || s == http.StatusForbidden
	})
}

// IsTransient reports a server-side failure worth retrying.
func IsTransient(err error) bool {
	return statusIs(err, func(s int) bool {
		return s >= 500 && s != http.StatusNotImplemented
	})
}
