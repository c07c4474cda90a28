package eventstore

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/b1e55ed/core/pkg/coreerrors"
)

// Lease is a file-based single-writer lock. The journal is append-only and
// single-writer by design (spec §5): only one process may hold the lease for
// a given journal directory at a time.
type Lease struct {
	path string
	file *os.File
}

// AcquireLease creates (or takes over) the lease file at path. It fails with
// ErrWriterBusy if another live process already holds it.
func AcquireLease(path string) (*Lease, error) {
	if existing, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(existing)); perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("eventstore: %w: held by pid %d", coreerrors.ErrWriterBusy, pid)
		}
		// Stale lease left by a crashed process; take it over.
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open lease file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, fmt.Errorf("eventstore: write lease file: %w", err)
	}

	return &Lease{path: path, file: f}, nil
}

// Release closes and removes the lease file.
func (l *Lease) Release() error {
	if l.file != nil {
		l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventstore: remove lease file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness without
	// actually sending a signal.
	return process.Signal(syscallSignalZero()) == nil
}
