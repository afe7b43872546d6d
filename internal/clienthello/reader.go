package clienthello

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// budgetReader is a cursor over the stream with a single remaining-byte
// budget. Entering a nested length-prefixed region narrows the budget; it
// never widens, so an inner length cannot reach past an outer frame.
type budgetReader struct {
	r     io.Reader
	limit int64
	buf   [3]byte
}

func newBudgetReader(r io.Reader) *budgetReader {
	return &budgetReader{r: r, limit: math.MaxInt64}
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.limit <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.limit {
		p = p[:b.limit]
	}
	n, err := b.r.Read(p)
	b.limit -= int64(n)
	return n, err
}

func (b *budgetReader) narrow(n int64) {
	b.limit = min(b.limit, n)
}

func (b *budgetReader) exhausted() bool {
	return b.limit <= 0
}

func (b *budgetReader) readFull(field string, p []byte) error {
	n, err := io.ReadFull(b, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedError{Field: field, Want: int64(len(p)), Got: int64(n)}
	}
	return fmt.Errorf("clienthello: read %s: %w", field, err)
}

func (b *budgetReader) readUint8(field string) (uint8, error) {
	if err := b.readFull(field, b.buf[:1]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func (b *budgetReader) readUint16(field string) (uint16, error) {
	if err := b.readFull(field, b.buf[:2]); err != nil {
		return 0, err
	}
	return uint16(b.buf[0])<<8 | uint16(b.buf[1]), nil
}

// readUint24 assembles a 3-byte big-endian length; there is no native
// 24-bit integer to decode into.
func (b *budgetReader) readUint24(field string) (uint32, error) {
	if err := b.readFull(field, b.buf[:3]); err != nil {
		return 0, err
	}
	return uint32(b.buf[0])<<16 | uint32(b.buf[1])<<8 | uint32(b.buf[2]), nil
}

func (b *budgetReader) skip(field string, n int64) error {
	copied, err := io.CopyN(io.Discard, b, n)
	if copied == n {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedError{Field: field, Want: n, Got: copied}
	}
	return fmt.Errorf("clienthello: skip %s: %w", field, err)
}

func (b *budgetReader) skipVec8(field string) error {
	n, err := b.readUint8(field + " length")
	if err != nil {
		return err
	}
	return b.skip(field, int64(n))
}

func (b *budgetReader) skipVec16(field string) error {
	n, err := b.readUint16(field + " length")
	if err != nil {
		return err
	}
	return b.skip(field, int64(n))
}
