package agent

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// outboxTimeLayout matches the header format readers of the outbox
// file expect.
const outboxTimeLayout = "2006-01-02 15:04:05"

// Outbox appends the agent's outgoing messages to a plain text log.
// Each entry carries a timestamped header naming the agent, so several
// agents can share one outbox file.
type Outbox struct {
	mu        sync.Mutex
	path      string
	agentName string
	now       func() time.Time
}

// NewOutbox returns a writer appending to the file at path under the
// given agent name.
func NewOutbox(path, agentName string) *Outbox {
	return &Outbox{path: path, agentName: agentName, now: time.Now}
}

// Append writes one message entry:
//
//	--- [2026-01-02 15:04:05] Anima ---
//	message body
//
// followed by a blank line. The file is opened per call so an external
// rotation or deletion never wedges the writer.
func (o *Outbox) Append(body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("--- [%s] %s ---\n%s\n\n",
		o.now().Format(outboxTimeLayout), o.agentName, strings.TrimRight(body, "\n"))
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append outbox entry: %w", err)
	}
	return nil
}
