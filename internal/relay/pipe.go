package relay

import (
	"io"
	"net"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// pipe copies in both directions until each side has finished sending,
// half-closing the peer as each direction drains.
func (r *Relay) pipe(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, client)
		r.metrics.RelayedBytes.WithLabelValues("upstream").Add(float64(n))
		closeWrite(backend)
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, backend)
		r.metrics.RelayedBytes.WithLabelValues("downstream").Add(float64(n))
		closeWrite(client)
	}()

	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
