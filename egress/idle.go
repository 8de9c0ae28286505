// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// activityReader records the time of every successful read into a
// timestamp shared by both tunnel directions, so traffic in either
// direction counts as activity for the idle timeout.
type activityReader struct {
	reader       io.Reader
	lastActivity *atomic.Int64
}

func (r *activityReader) Read(buffer []byte) (int, error) {
	n, err := r.reader.Read(buffer)
	if n > 0 {
		r.lastActivity.Store(time.Now().UnixNano())
	}
	return n, err
}

// idleWatchdog closes the tunnel connections once no bytes have moved
// in either direction for timeout. While traffic flows it re-arms for
// the remaining idle window instead of polling.
func idleWatchdog(lastActivity *atomic.Int64, timeout time.Duration, done <-chan struct{}, connections ...net.Conn) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle >= timeout {
				for _, connection := range connections {
					connection.Close()
				}
				return
			}
			timer.Reset(timeout - idle)
		}
	}
}
