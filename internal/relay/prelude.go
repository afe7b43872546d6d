package relay

import (
	"bytes"
	"errors"
	"io"
)

var errPreludeLimit = errors.New("client sent too much data before the server name")

// prelude records the bytes read from the client while looking for the
// server name so they can be replayed to the backend. It refuses to record
// more than max bytes.
type prelude struct {
	r   io.Reader
	max int
	buf bytes.Buffer
}

func newPrelude(r io.Reader, max int) *prelude {
	return &prelude{r: r, max: max}
}

func (p *prelude) Read(b []byte) (int, error) {
	room := p.max - p.buf.Len()
	if room <= 0 {
		return 0, errPreludeLimit
	}
	if len(b) > room {
		b = b[:room]
	}
	n, err := p.r.Read(b)
	p.buf.Write(b[:n])
	return n, err
}

func (p *prelude) Bytes() []byte {
	return p.buf.Bytes()
}
