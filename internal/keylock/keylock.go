// Package keylock keeps two processes from trading on the same API key.
// Both exchanges reject out-of-order nonces, so a second process sharing a
// key would make the first one's requests fail.
package keylock

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrHeld = errors.New("api key lock held")

type Lock struct {
	path string
	file *os.File
}

type Options struct {
	// Takeover removes a lock whose owner process is gone, or one older than
	// StaleAfter when no owner pid was recorded.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Path is the lock file for exchange and apiKey under dir. The key itself
// never appears on disk.
func Path(dir, exchange, apiKey string) string {
	sum := sha256.Sum256([]byte(exchange + "\x00" + apiKey))
	return filepath.Join(dir, exchange+"-"+hex.EncodeToString(sum[:6])+".lock")
}

func Acquire(dir, exchange, apiKey string, opts Options) (*Lock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := Path(dir, exchange, apiKey)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeOwner(f, now().UTC()); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &Lock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrHeld, path)
		}
		stale, reason, err := isStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrHeld, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrHeld, path, reason)
		}
		log.Warn("taking over api key lock",
			zap.String("event", "key_lock_takeover"),
			zap.String("exchange", exchange),
			zap.String("path", path),
			zap.String("reason", reason),
		)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHeld, path)
}

func writeOwner(f *os.File, now time.Time) error {
	payload := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + now.Format(time.RFC3339) + "\n"
	if _, err := f.WriteString(payload); err != nil {
		return err
	}
	return f.Sync()
}

type owner struct {
	pid       int
	startedAt time.Time
}

func isStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	o, err := parseOwner(data)
	if err != nil {
		return false, "", err
	}
	if o.pid > 0 {
		if processAlive(o.pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if o.startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(o.startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseOwner(data []byte) (owner, error) {
	var o owner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.pid = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				o.startedAt = ts.UTC()
			}
		}
	}
	return o, scanner.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: exists, owned by another user.
	return errors.Is(err, syscall.EPERM)
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
