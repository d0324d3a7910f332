package resolve

import (
	"errors"
	"fmt"
)

// ErrMalformedFact marks a fact rejected by validation. The rejection is
// per record; callers log it and continue the batch.
var ErrMalformedFact = errors.New("resolve: malformed fact")

// MalformedFactError wraps the validation failure for a single fact
// together with enough context to find the offending source record.
type MalformedFactError struct {
	SourceName     string
	SourceRecordID string
	Err            error
}

func (e *MalformedFactError) Error() string {
	return fmt.Sprintf("malformed fact from %s (record %s): %v", e.SourceName, e.SourceRecordID, e.Err)
}

func (e *MalformedFactError) Unwrap() error { return ErrMalformedFact }

// IsRecordError reports whether err is a per-record rejection rather
// than a storage failure. Record errors never abort a batch.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrMalformedFact)
}
