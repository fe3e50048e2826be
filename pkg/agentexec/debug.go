package agentexec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Dumper writes prompt/response exchanges as JSON files for offline
// debugging. Dump failures are logged and never fail the run.
type Dumper struct {
	dir    string
	logger *slog.Logger
}

// NewDumper creates a Dumper targeting dir. Returns nil when dir is
// empty, which disables dumping.
func NewDumper(dir string, logger *slog.Logger) *Dumper {
	if dir == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dumper{dir: dir, logger: logger.With("component", "agentexec")}
}

type exchangeDump struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
}

// DumpExchange persists one completed exchange.
func (d *Dumper) DumpExchange(agent, sessionID, prompt, response string) {
	if d == nil {
		return
	}
	dump := exchangeDump{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		SessionID: sessionID,
		Prompt:    prompt,
		Response:  response,
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		d.logger.Error("marshal debug dump", "error", err)
		return
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("create debug dump dir", "error", err)
		return
	}
	name := fmt.Sprintf("%s-%s-%s.json", dump.Timestamp.Format("20060102-150405"), agent, sessionID)
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		d.logger.Error("write debug dump", "error", err)
	}
}
