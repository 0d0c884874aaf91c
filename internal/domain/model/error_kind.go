package model

// ErrorKind classifies job failures for clients and metrics.
// The string values are part of the client wire contract.
type ErrorKind string

const (
	ErrKindUser          ErrorKind = "user_error"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindCancelled     ErrorKind = "cancelled"
	ErrKindOutputLimit   ErrorKind = "output_limit"
	ErrKindWorkerCrashed ErrorKind = "worker_crashed"
	ErrKindPoolExhausted ErrorKind = "pool_exhausted"
	ErrKindProtocol      ErrorKind = "protocol_error"
)

// Ename returns the client-facing error name for synthesized failures.
func (k ErrorKind) Ename() string {
	switch k {
	case ErrKindTimeout:
		return "Timeout"
	case ErrKindCancelled, ErrKindOutputLimit:
		// Output overflow is surfaced as an interrupt after the
		// truncation notice has been streamed.
		return "Interrupted"
	case ErrKindWorkerCrashed:
		return "WorkerCrashed"
	case ErrKindPoolExhausted:
		return "PoolExhausted"
	default:
		return "Error"
	}
}
