// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"net"
	"os"
)

// NotifyReady signals readiness to systemd's sd_notify socket. Called
// after every listener is bound and the startup checks have passed.
// Does nothing when not running under systemd (NOTIFY_SOCKET unset).
func NotifyReady() {
	notifySystemd("READY=1")
}

// NotifyStopping signals the beginning of graceful shutdown.
func NotifyStopping() {
	notifySystemd("STOPPING=1")
}

func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(state))
}
