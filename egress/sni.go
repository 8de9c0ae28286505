// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"bufio"
	"encoding/binary"
)

// maxClientHelloPeek bounds how much of the client's first TLS record
// the proxy will buffer while looking for the SNI extension.
const maxClientHelloPeek = 16 * 1024

const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	extensionServerName   = 0x0000
	serverNameTypeHost    = 0x00
	tlsRecordHeaderLength = 5
)

// peekServerName inspects the bytes buffered in reader for a TLS
// ClientHello and extracts the SNI host name without consuming anything.
// The peeked bytes stay in the reader and are replayed to the upstream
// when the tunnel splices.
//
// Returns ("", false) when the connection does not open with TLS, when
// the ClientHello carries no SNI extension, or when the hello is too
// large or fragmented to inspect within the peek buffer. The caller
// treats all of those as "no name to check" and proceeds on the CONNECT
// target decision alone.
func peekServerName(reader *bufio.Reader) (serverName string, found bool) {
	header, err := reader.Peek(tlsRecordHeaderLength)
	if err != nil {
		return "", false
	}
	if header[0] != recordTypeHandshake || header[1] != 0x03 {
		return "", false
	}
	recordLength := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLength == 0 {
		return "", false
	}

	want := tlsRecordHeaderLength + recordLength
	if want > maxClientHelloPeek || want > reader.Size() {
		return "", false
	}
	record, err := reader.Peek(want)
	if err != nil {
		return "", false
	}
	return clientHelloServerName(record[tlsRecordHeaderLength:])
}

// clientHelloServerName walks a ClientHello handshake message and
// returns the host name from the server_name extension. Every length
// field is bounds-checked; any truncation or structural surprise yields
// ("", false) rather than a guess.
func clientHelloServerName(handshake []byte) (string, bool) {
	cursor := handshake

	// Handshake header: type (1) + length (3).
	if len(cursor) < 4 || cursor[0] != handshakeClientHello {
		return "", false
	}
	bodyLength := int(cursor[1])<<16 | int(cursor[2])<<8 | int(cursor[3])
	cursor = cursor[4:]
	if bodyLength > len(cursor) {
		return "", false
	}
	cursor = cursor[:bodyLength]

	// client_version (2) + random (32).
	if len(cursor) < 34 {
		return "", false
	}
	cursor = cursor[34:]

	// session_id.
	if len(cursor) < 1 {
		return "", false
	}
	sessionIDLength := int(cursor[0])
	cursor = cursor[1:]
	if len(cursor) < sessionIDLength {
		return "", false
	}
	cursor = cursor[sessionIDLength:]

	// cipher_suites.
	if len(cursor) < 2 {
		return "", false
	}
	cipherSuitesLength := int(binary.BigEndian.Uint16(cursor))
	cursor = cursor[2:]
	if len(cursor) < cipherSuitesLength {
		return "", false
	}
	cursor = cursor[cipherSuitesLength:]

	// compression_methods.
	if len(cursor) < 1 {
		return "", false
	}
	compressionLength := int(cursor[0])
	cursor = cursor[1:]
	if len(cursor) < compressionLength {
		return "", false
	}
	cursor = cursor[compressionLength:]

	// extensions.
	if len(cursor) < 2 {
		return "", false
	}
	extensionsLength := int(binary.BigEndian.Uint16(cursor))
	cursor = cursor[2:]
	if len(cursor) < extensionsLength {
		return "", false
	}
	cursor = cursor[:extensionsLength]

	for len(cursor) >= 4 {
		extensionType := int(binary.BigEndian.Uint16(cursor))
		extensionLength := int(binary.BigEndian.Uint16(cursor[2:]))
		cursor = cursor[4:]
		if len(cursor) < extensionLength {
			return "", false
		}
		if extensionType != extensionServerName {
			cursor = cursor[extensionLength:]
			continue
		}

		// ServerNameList: list length (2), then entries of
		// type (1) + name length (2) + name.
		extension := cursor[:extensionLength]
		if len(extension) < 2 {
			return "", false
		}
		listLength := int(binary.BigEndian.Uint16(extension))
		extension = extension[2:]
		if len(extension) < listLength {
			return "", false
		}
		extension = extension[:listLength]

		for len(extension) >= 3 {
			nameType := extension[0]
			nameLength := int(binary.BigEndian.Uint16(extension[1:]))
			extension = extension[3:]
			if len(extension) < nameLength {
				return "", false
			}
			if nameType == serverNameTypeHost {
				name := string(extension[:nameLength])
				if name == "" {
					return "", false
				}
				return name, true
			}
			extension = extension[nameLength:]
		}
		return "", false
	}
	return "", false
}
