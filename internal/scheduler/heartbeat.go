package scheduler

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"evoagent/internal/logging"
	"evoagent/internal/store"
)

// DefaultHeartbeatInterval is the wake-up period when none is configured.
const DefaultHeartbeatInterval = 30 * time.Minute

// HeartbeatFile is the workspace file the heartbeat reads.
const HeartbeatFile = "HEARTBEAT.md"

var checkboxPrefixes = []string{"- [ ]", "* [ ]", "- [x]", "* [x]"}

// IsHeartbeatEmpty reports whether heartbeat content has nothing
// actionable: only blank lines, headings, HTML comments and checkbox
// items count as empty.
func IsHeartbeatEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		checkbox := false
		for _, prefix := range checkboxPrefixes {
			if strings.HasPrefix(line, prefix) {
				checkbox = true
				break
			}
		}
		if checkbox {
			continue
		}
		return false
	}
	return true
}

// Heartbeat wakes the agent periodically when HEARTBEAT.md carries
// actionable content.
type Heartbeat struct {
	ws          *store.Workspace
	onHeartbeat func(context.Context, string)
	interval    time.Duration
	logger      logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHeartbeat builds the service. A non-positive interval falls back to
// the default.
func NewHeartbeat(ws *store.Workspace, interval time.Duration, onHeartbeat func(context.Context, string), logger logging.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		ws:          ws,
		onHeartbeat: onHeartbeat,
		interval:    interval,
		logger:      logging.OrNop(logger),
	}
}

// Path returns the heartbeat file location.
func (h *Heartbeat) Path() string { return h.ws.Path(HeartbeatFile) }

// Start begins the heartbeat loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.loop(ctx)
	h.logger.Info("heartbeat: started (interval=%s)", h.interval)
}

// Stop halts the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	cancel()
	<-done
	h.logger.Info("heartbeat: stopped")
}

// Running reports whether the loop is live.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick reads the heartbeat file once and invokes the callback when it has
// actionable content.
func (h *Heartbeat) Tick(ctx context.Context) {
	data, err := os.ReadFile(h.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn("heartbeat: read %s: %v", h.Path(), err)
		}
		return
	}
	content := string(data)
	if IsHeartbeatEmpty(content) {
		h.logger.Debug("heartbeat: nothing actionable, skipping")
		return
	}
	h.logger.Info("heartbeat: actionable content found, waking agent")
	h.invoke(ctx, content)
}

func (h *Heartbeat) invoke(ctx context.Context, content string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("heartbeat: callback panicked: %v", r)
		}
	}()
	h.onHeartbeat(ctx, content)
}
