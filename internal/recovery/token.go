package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dr-orchestrator/internal/fault"
)

// Token serializes recovery executions: at most one recovery runs at a
// time, system-wide. The in-memory flag covers this process; the lock
// file extends the guarantee across processes sharing a state directory.
type Token struct {
	mu       sync.Mutex
	held     bool
	holder   string
	lockPath string
}

// NewToken creates a recovery token. When stateDir is non-empty the
// token is also backed by a lock file in that directory.
func NewToken(stateDir string) *Token {
	t := &Token{}
	if stateDir != "" {
		t.lockPath = filepath.Join(stateDir, "recovery.lock")
	}
	return t
}

// TryAcquire takes the token for the named execution. It fails fast
// when another recovery holds it; callers must not wait or queue.
func (t *Token) TryAcquire(executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held {
		return fault.RecoveryInProgress(
			fmt.Sprintf("recovery %s is already in progress", t.holder))
	}

	if t.lockPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.lockPath), 0755); err != nil {
			return fault.TransientIO("failed to create recovery state directory", err)
		}
		f, err := os.OpenFile(t.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if os.IsExist(err) {
			holder, _ := os.ReadFile(t.lockPath)
			return fault.RecoveryInProgress(
				fmt.Sprintf("recovery %s is already in progress", string(holder)))
		}
		if err != nil {
			return fault.TransientIO("failed to create recovery lock file", err)
		}
		fmt.Fprintf(f, "%s %s", executionID, time.Now().UTC().Format(time.RFC3339))
		f.Close()
	}

	t.held = true
	t.holder = executionID
	return nil
}

// Release returns the token. Releasing an unheld token is a no-op.
func (t *Token) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.held {
		return
	}
	t.held = false
	t.holder = ""
	if t.lockPath != "" {
		os.Remove(t.lockPath)
	}
}

// Held reports whether a recovery currently holds the token.
func (t *Token) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
