package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// portLock guards a host:port so that two sessions on one machine never race
// for the same server address.
type portLock struct {
	fl *flock.Flock
}

func lockPath(dir, host string, port int) string {
	if dir == "" {
		dir = os.TempDir()
	}
	safeHost := strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "").Replace(host)
	return filepath.Join(dir, fmt.Sprintf("pitchrefine-%s-%d.lock", safeHost, port))
}

func acquirePortLock(dir, host string, port int) (*portLock, error) {
	path := lockPath(dir, host, port)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s:%d is in use by another session", host, port)
	}
	return &portLock{fl: fl}, nil
}

func (l *portLock) release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
