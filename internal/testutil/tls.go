package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// ClientHello builds a minimal ClientHello handshake message (no record
// header) carrying the given host names in its server_name extension.
func ClientHello(hostNames ...string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(1)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0303)
		b.AddBytes(make([]byte, 32))
		b.AddUint8(0)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x1301)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if len(hostNames) == 0 {
				return
			}
			b.AddUint16(0)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, name := range hostNames {
						b.AddUint8(0)
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(name))
						})
					}
				})
			})
		})
	})
	return b.BytesOrPanic()
}

// Record wraps payload in a TLS record header.
func Record(contentType uint8, payload []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(contentType)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})
	return b.BytesOrPanic()
}

// CaptureClientHello runs a crypto/tls client against one end of a pipe and
// returns the first record it writes, header included.
func CaptureClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	client, server := net.Pipe()
	defer server.Close()

	go func() {
		defer client.Close()
		conn := tls.Client(client, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		_ = conn.Handshake()
	}()

	if err := server.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(server, hdr); err != nil {
		t.Fatalf("Failed to read record header: %v", err)
	}
	payload := make([]byte, int(hdr[3])<<8|int(hdr[4]))
	if _, err := io.ReadFull(server, payload); err != nil {
		t.Fatalf("Failed to read record payload: %v", err)
	}
	return append(hdr, payload...)
}

// SelfSignedCert returns a throwaway ECDSA certificate valid for names.
func SelfSignedCert(t *testing.T, names ...string) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
