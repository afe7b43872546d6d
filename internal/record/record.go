// Package record strips TLS record-layer framing from the start of a
// connection, exposing the concatenated handshake payloads as a stream.
package record

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

const (
	headerLen = 5

	ContentTypeHandshake = 22

	// MaxPlaintext is the largest record payload permitted by TLS (2^14).
	MaxPlaintext = 1 << 14
)

var (
	ErrNotHandshake   = errors.New("not a TLS handshake record")
	ErrRecordTooLarge = errors.New("TLS record too large")
	ErrEmptyRecord    = errors.New("empty TLS record")
)

// HeaderError describes a record header that cannot carry a ClientHello.
type HeaderError struct {
	ContentType uint8
	Version     uint16
	Length      uint16
	Err         error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("record: %v (type %d, version %#04x, length %d)", e.Err, e.ContentType, e.Version, e.Length)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// Reader yields the payload bytes of consecutive handshake records.
type Reader struct {
	r         io.Reader
	remaining int
	version   uint16
	records   int
	hdr       [headerLen]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if rr.remaining == 0 {
		if err := rr.next(); err != nil {
			return 0, err
		}
	}
	if len(p) > rr.remaining {
		p = p[:rr.remaining]
	}
	n, err := rr.r.Read(p)
	rr.remaining -= n
	if errors.Is(err, io.EOF) && rr.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Version returns the legacy protocol version of the last record header read.
func (rr *Reader) Version() uint16 {
	return rr.version
}

// Records returns the number of record headers consumed so far.
func (rr *Reader) Records() int {
	return rr.records
}

func (rr *Reader) next() error {
	n, err := io.ReadFull(rr.r, rr.hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}

	var (
		contentType uint8
		version     uint16
		length      uint16
	)
	s := cryptobyte.String(rr.hdr[:])
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&version) || !s.ReadUint16(&length) {
		return fmt.Errorf("record: malformed header %x", rr.hdr)
	}

	hdrErr := func(err error) error {
		return &HeaderError{ContentType: contentType, Version: version, Length: length, Err: err}
	}
	switch {
	case contentType != ContentTypeHandshake:
		return hdrErr(ErrNotHandshake)
	case length == 0:
		return hdrErr(ErrEmptyRecord)
	case length > MaxPlaintext:
		return hdrErr(ErrRecordTooLarge)
	}

	rr.version = version
	rr.remaining = int(length)
	rr.records++
	return nil
}
