// Package audit appends every policy decision to a JSONL trail so denied
// tool use can be reconstructed after the fact.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/autopilot/internal/redact"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Channel   string `json:"channel"`
	Tool      string `json:"tool"`
	Decision  string `json:"decision"`
	Gate      string `json:"gate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	scanner   *redact.Scanner
	denyCount atomic.Int64
)

func Init(baseRoot string, sc *redact.Scanner) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(baseRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	scanner = sc
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Reasons are redacted before persistence.
func Record(channel, tool, decision, gate, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	if scanner != nil {
		reason = scanner.Redact(reason)
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Channel:   channel,
		Tool:      tool,
		Decision:  decision,
		Gate:      gate,
		Reason:    reason,
	}
	if b, err := json.Marshal(ev); err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
