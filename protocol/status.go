package protocol

import "fmt"

// Status is the numeric outcome carried by a reply frame. The values follow HTTP
// classes: 2xx success, 4xx caller fault, 5xx daemon fault.
type Status uint16

const (
	StatusOK            Status = 200
	StatusBadRequest    Status = 400
	StatusUnauthorized  Status = 401
	StatusForbidden     Status = 403
	StatusUnknownMethod Status = 404 // only for methods missing from the registry
	StatusConflict      Status = 409
	StatusNotFound      Status = 410 // a node, session or reservation that does not exist
	StatusRateLimited   Status = 429
	StatusInternal      Status = 500
	StatusUpstream      Status = 502 // a daemon this one depends on failed
	StatusShuttingDown  Status = 503
	StatusTimeout       Status = 504
)

var statusText = map[Status]string{
	StatusOK:            "ok",
	StatusBadRequest:    "bad request",
	StatusUnauthorized:  "unauthorized",
	StatusForbidden:     "forbidden",
	StatusUnknownMethod: "unknown method",
	StatusConflict:      "conflict",
	StatusNotFound:      "not found",
	StatusRateLimited:   "rate limited",
	StatusInternal:      "internal error",
	StatusUpstream:      "upstream failure",
	StatusShuttingDown:  "shutting down",
	StatusTimeout:       "timeout",
}

func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return fmt.Sprintf("%d %s", uint16(s), t)
	}
	return fmt.Sprintf("%d", uint16(s))
}

// OK reports whether s is a 2xx status.
func (s Status) OK() bool {
	return s >= 200 && s < 300
}

// ClientFault reports whether s is a 4xx status.
func (s Status) ClientFault() bool {
	return s >= 400 && s < 500
}
