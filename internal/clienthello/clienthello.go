// Package clienthello reads the SNI host name out of a TLS ClientHello as it
// arrives on a stream, bounding every read by the lengths the message itself
// declares.
package clienthello

import (
	"io"
	"unicode/utf8"
)

const (
	handshakeTypeClientHello = 1
	extensionServerName      = 0
	nameTypeHostName         = 0

	// ProtocolVersion (2 bytes) and random (32 bytes).
	versionAndRandomLen = 34
)

// ReadServerName reads a ClientHello handshake message from r and returns
// its SNI host name. r must be positioned at the handshake message type, with
// any record-layer framing already removed.
//
// Only as much of r is consumed as is needed to reach the host name; bytes
// after it are left unread. After an error the read position is undefined.
func ReadServerName(r io.Reader) (string, error) {
	b := newBudgetReader(r)

	typ, err := b.readUint8("handshake type")
	if err != nil {
		return "", err
	}
	if typ != handshakeTypeClientHello {
		return "", &MessageTypeError{Type: typ, Want: handshakeTypeClientHello}
	}

	length, err := b.readUint24("handshake length")
	if err != nil {
		return "", err
	}
	b.narrow(int64(length))

	if err := b.skip("version and random", versionAndRandomLen); err != nil {
		return "", err
	}
	if err := b.skipVec8("session id"); err != nil {
		return "", err
	}
	if err := b.skipVec16("cipher suites"); err != nil {
		return "", err
	}
	if err := b.skipVec8("compression methods"); err != nil {
		return "", err
	}

	extLen, err := b.readUint16("extensions length")
	if err != nil {
		return "", err
	}
	b.narrow(int64(extLen))

	for {
		if b.exhausted() {
			return "", ErrNoServerName
		}
		extType, err := b.readUint16("extension type")
		if err != nil {
			return "", err
		}
		extLen, err := b.readUint16("extension length")
		if err != nil {
			return "", err
		}
		if extType != extensionServerName {
			if err := b.skip("extension data", int64(extLen)); err != nil {
				return "", err
			}
			continue
		}
		b.narrow(int64(extLen))
		return readServerNameList(b)
	}
}

func readServerNameList(b *budgetReader) (string, error) {
	listLen, err := b.readUint16("server name list length")
	if err != nil {
		return "", err
	}
	b.narrow(int64(listLen))

	for {
		if b.exhausted() {
			return "", ErrNoServerName
		}
		nameType, err := b.readUint8("name type")
		if err != nil {
			return "", err
		}
		if nameType != nameTypeHostName {
			if err := b.skipVec16("server name"); err != nil {
				return "", err
			}
			continue
		}

		nameLen, err := b.readUint16("host name length")
		if err != nil {
			return "", err
		}
		b.narrow(int64(nameLen))
		name := make([]byte, nameLen)
		if err := b.readFull("host name", name); err != nil {
			return "", err
		}
		if off := invalidUTF8Offset(name); off >= 0 {
			return "", &EncodingError{Name: name, Offset: off}
		}
		return string(name), nil
	}
}

func invalidUTF8Offset(p []byte) int {
	for i := 0; i < len(p); {
		r, size := utf8.DecodeRune(p[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
