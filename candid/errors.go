package candid

import "fmt"

// DecodeError is returned for malformed messages.
type DecodeError struct {
	// Offset is the byte offset at which decoding failed.
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("candid: decode error at byte %d: %s", e.Offset, e.Msg)
}

func newDecodeError(offset int, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// EncodeError is returned when a value cannot be encoded as the requested type.
type EncodeError struct {
	Type Type
	Msg  string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("candid: cannot encode %s: %s", e.Type, e.Msg)
}

func encodeErrorf(t Type, format string, args ...interface{}) *EncodeError {
	return &EncodeError{Type: t, Msg: fmt.Sprintf(format, args...)}
}
