package clienthello

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotClientHello    = errors.New("handshake message not a ClientHello")
	ErrTruncated         = errors.New("truncated ClientHello")
	ErrInvalidServerName = errors.New("server name is not valid UTF-8")

	// ErrNoServerName is returned when the extensions block or the
	// ServerNameList ends on an entry boundary without a host name. It
	// matches ErrTruncated as well, since the bounded region simply ran out.
	ErrNoServerName = fmt.Errorf("no server name indication: %w", ErrTruncated)
)

// MessageTypeError reports a handshake message that is not a ClientHello.
type MessageTypeError struct {
	Type byte
	Want byte
}

func (e *MessageTypeError) Error() string {
	return fmt.Sprintf("clienthello: handshake message not a ClientHello (type %d, expected %d)", e.Type, e.Want)
}

func (e *MessageTypeError) Is(target error) bool {
	return target == ErrNotClientHello
}

// TruncatedError reports a read or skip that needed more bytes than the
// stream or the enclosing length budget could supply.
type TruncatedError struct {
	Field string
	Want  int64
	Got   int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("clienthello: %s truncated: read %d < %d bytes", e.Field, e.Got, e.Want)
}

func (e *TruncatedError) Is(target error) bool {
	return target == ErrTruncated
}

func (e *TruncatedError) Unwrap() error {
	return io.ErrUnexpectedEOF
}

// EncodingError reports host name bytes that do not form valid UTF-8.
// Offset is the index of the first byte that failed to decode.
type EncodingError struct {
	Name   []byte
	Offset int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("clienthello: %v: invalid byte %#02x at offset %d", ErrInvalidServerName, e.Name[e.Offset], e.Offset)
}

func (e *EncodingError) Unwrap() error {
	return ErrInvalidServerName
}

// Kind classifies an extraction error into a short label for logs and
// metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotClientHello):
		return "not_client_hello"
	case errors.Is(err, ErrNoServerName):
		return "no_sni"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrInvalidServerName):
		return "invalid_name"
	default:
		return "io"
	}
}
