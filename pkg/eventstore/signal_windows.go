//go:build windows

package eventstore

import "os"

// processAlive's liveness probe has no signal-0 equivalent on Windows;
// os.FindProcess succeeding is treated as alive there instead.
func syscallSignalZero() os.Signal {
	return os.Interrupt
}
