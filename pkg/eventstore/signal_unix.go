//go:build !windows

package eventstore

import "syscall"

func syscallSignalZero() syscall.Signal {
	return syscall.Signal(0)
}
