// Package batch runs the pipeline over a working set of tickets.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockHeld is returned when another live process holds the batch lock
var ErrLockHeld = errors.New("batch lock held")

// Lock is a cross-process advisory lock. It gates whether a batch may
// start at all; it does not protect individual ticket state.
type Lock struct {
	path string
}

type lockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Acquire takes the lock at path. A lock older than ttl is treated as
// abandoned by a crashed holder and taken over.
func Acquire(path string, ttl time.Duration) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			host, _ := os.Hostname()
			info := lockInfo{PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
			if werr := json.NewEncoder(f).Encode(info); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("writing lock file: %w", werr)
			}
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		holder, rerr := readLock(path)
		if rerr != nil {
			// Unreadable lock file, assume a partial write by a
			// crashed process
			os.Remove(path)
			continue
		}
		if time.Since(holder.AcquiredAt) > ttl {
			os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w by pid %d on %s since %s",
			ErrLockHeld, holder.PID, holder.Host, holder.AcquiredAt.Format(time.RFC3339))
	}
	return nil, fmt.Errorf("%w: takeover raced another process", ErrLockHeld)
}

func readLock(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Release removes the lock file
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
