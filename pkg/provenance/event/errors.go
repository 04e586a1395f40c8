package event

import "fmt"

// MalformedRecordError reports a required field that is missing or unparsable.
// The record is dropped and the stream continues.
type MalformedRecordError struct {
	Key   string
	Value string
	Err   error
}

func (e *MalformedRecordError) Error() string {
	if e.Value == "" && e.Err == nil {
		return fmt.Sprintf("malformed record: missing %q", e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed record: invalid %q=%q: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("malformed record: invalid %q=%q", e.Key, e.Value)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// FatalStreamError reports an unexpected termination of the upstream transport.
type FatalStreamError struct {
	Err error
}

func (e *FatalStreamError) Error() string {
	return fmt.Sprintf("audit stream terminated: %v", e.Err)
}

func (e *FatalStreamError) Unwrap() error {
	return e.Err
}
