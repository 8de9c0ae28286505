// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

// spliceResult holds the outcome of one direction of a bidirectional
// copy.
type spliceResult struct {
	bytesCopied int64
	err         error
}

// SpliceReaders copies data bidirectionally between two connections
// using the provided readers. The readers may differ from the
// connections when bytes have already been buffered — the egress proxy
// peeks the TLS ClientHello from the client connection before splicing,
// so the client-side reader replays the peeked bytes ahead of the
// connection.
//
// Returns when either direction finishes. Both connections are closed
// before returning to unblock the surviving copy. Returns the error
// from the direction that terminated first, or nil if termination was a
// normal connection closure (EOF, peer disconnect, broken pipe,
// connection reset).
func SpliceReaders(connectionA net.Conn, readerA io.Reader, connectionB net.Conn, readerB io.Reader) error {
	done := make(chan spliceResult, 2)

	go func() {
		bytesCopied, err := io.Copy(connectionB, readerA)
		done <- spliceResult{bytesCopied, err}
	}()

	go func() {
		bytesCopied, err := io.Copy(connectionA, readerB)
		done <- spliceResult{bytesCopied, err}
	}()

	// Wait for one direction to finish, then close both to unblock
	// the other.
	first := <-done
	connectionA.Close()
	connectionB.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}

// Splice copies bytes bidirectionally between two connections. This is
// the plain case with no buffered bytes on either side.
func Splice(a, b net.Conn) error {
	return SpliceReaders(a, a, b, b)
}
