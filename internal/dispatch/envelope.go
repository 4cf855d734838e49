package dispatch

import "net/http"

// Envelope is the uniform response body. Data and Error are never both set;
// Status is the HTTP status and is not serialized.
type Envelope struct {
	Data   any    `json:"data,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"-"`
}

// Normalize shapes a dispatch Result into an Envelope. Failures expose only
// their kind and message.
func Normalize(res Result) Envelope {
	if f := res.Failure; f != nil {
		return Envelope{Error: string(f.Kind) + ": " + f.Message, Status: failureStatus(f.Kind)}
	}
	status := http.StatusOK
	if res.Op.Mutates() {
		status = http.StatusCreated
	}
	if res.Message != "" {
		return Envelope{Msg: res.Message, Status: status}
	}
	return Envelope{Data: res.Value, Status: status}
}

// failureStatus maps every failure kind to its HTTP status. All kinds are
// client errors; they differ only in the message text.
func failureStatus(kind FailureKind) int {
	switch kind {
	case NoActiveSession:
		return http.StatusBadRequest
	case DriverFailure:
		return http.StatusBadRequest
	case MalformedRequest:
		return http.StatusBadRequest
	case SessionAlreadyActive:
		return http.StatusBadRequest
	}
	return http.StatusBadRequest
}
