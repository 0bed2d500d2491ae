package broker

import "time"

// ProtocolVersion is the value of the "v" field.
const ProtocolVersion = 1

// ExitCode is the process exit status after a broker failure. It is
// distinct from ordinary application errors.
const ExitCode = 87

// EnvPath names the environment variable holding the broker socket path.
const EnvPath = "OPBRIDGE_PERMISSION_BROKER_PATH"

// Result values.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
)

// Request is one permission query.
type Request struct {
	Value      *string `json:"value,omitempty"`
	Datetime   string  `json:"datetime"`
	Permission string  `json:"permission"`
	V          int     `json:"v"`
	PID        int     `json:"pid"`
	ID         uint64  `json:"id"`
}

// Response answers the request with the same ID.
type Response struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
	ID     uint64 `json:"id"`
}

// Decision is the outcome of a request.
type Decision struct {
	Reason string
	Allow  bool
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
