package protocol

const (
	// Job admission.
	ErrConflict        = "E_CONFLICT"
	ErrInvalidSnapshot = "E_INVALID_SNAPSHOT"

	// Job control.
	ErrNotFound          = "E_NOT_FOUND"
	ErrInvalidTransition = "E_INVALID_TRANSITION"

	// Runtime failures.
	ErrProberUnavailable = "E_PROBER_UNAVAILABLE"
	ErrFilesystem        = "E_FILESYSTEM"
	ErrChecksumMismatch  = "E_CHECKSUM_MISMATCH"
	ErrCancelled         = "E_CANCELLED"
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrConflict:          {},
	ErrInvalidSnapshot:   {},
	ErrNotFound:          {},
	ErrInvalidTransition: {},
	ErrProberUnavailable: {},
	ErrFilesystem:        {},
	ErrChecksumMismatch:  {},
	ErrCancelled:         {},
	ErrBadRequest:        {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// StructuredError is the machine-readable failure shape stored on a job and
// returned by the API.
type StructuredError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StructuredError) Error() string { return e.Code + ": " + e.Message }

func NewError(code, message string) *StructuredError {
	if !IsKnownCode(code) {
		code = ErrInternal
	}
	return &StructuredError{Code: code, Message: message}
}
