package fetch

import "fmt"

// Kind classifies a fetch attempt and drives the retry policy.
type Kind int

const (
	// Success is a 200 response carrying the expected page structure.
	Success Kind = iota
	// Transient covers timeouts, connection errors and non-200 statuses.
	// Another attempt through a different proxy may succeed.
	Transient
	// Permanent is a 200 response that is structurally not a product page.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of a single fetch attempt.
type Outcome struct {
	Kind   Kind
	Status int
	Body   []byte
	Reason string
	Err    error
}

// AsError returns the outcome as an error, or nil on success.
func (o Outcome) AsError() error {
	if o.Kind == Success {
		return nil
	}
	return &Error{Kind: o.Kind, Status: o.Status, Reason: o.Reason, Err: o.Err}
}

// Error is a failed fetch attempt. It supports unwrapping to the underlying
// transport error, if any.
type Error struct {
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failure: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transient(status int, reason string, err error) Outcome {
	return Outcome{Kind: Transient, Status: status, Reason: reason, Err: err}
}

func permanent(status int, reason string) Outcome {
	return Outcome{Kind: Permanent, Status: status, Reason: reason}
}
