package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"evoagent/internal/architect"
	"evoagent/internal/rollback"
	"evoagent/internal/store"
)

type fakeChannel struct {
	name    string
	mu      sync.Mutex
	sent    []string
	started bool
	stopped bool
}

func (f *fakeChannel) Name() string                { return f.name }
func (f *fakeChannel) Start(context.Context) error { f.started = true; return nil }
func (f *fakeChannel) Stop() error                 { f.stopped = true; return nil }
func (f *fakeChannel) SendMessage(_, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestBusPublishConsume(t *testing.T) {
	bus := NewBus(nil)
	if !bus.PublishInbound(InboundMessage{Channel: "console", UserID: "u", Text: "hi"}) {
		t.Fatal("publish refused")
	}
	msg, ok := bus.ConsumeInbound(context.Background())
	if !ok || msg.Text != "hi" {
		t.Fatalf("consume: %+v %v", msg, ok)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	for i := 0; i < queueCapacity; i++ {
		if !bus.PublishInbound(InboundMessage{Text: "x"}) {
			t.Fatalf("publish %d refused below capacity", i)
		}
	}
	if bus.PublishInbound(InboundMessage{Text: "overflow"}) {
		t.Fatal("overflow publish accepted")
	}
	if bus.InboundSize() != queueCapacity {
		t.Fatalf("inbound size = %d", bus.InboundSize())
	}
}

func TestBusConsumeStopsOnCancel(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := bus.ConsumeInbound(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("consume returned a message after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestManagerLifecycleAndLookup(t *testing.T) {
	m := NewManager(NewBus(nil), nil)
	a := &fakeChannel{name: "console"}
	b := &fakeChannel{name: "telegram"}
	m.Register(a)
	m.Register(b)

	m.StartAll(context.Background())
	if !a.started || !b.started {
		t.Fatal("channels not started")
	}
	m.StopAll()
	if !a.stopped || !b.stopped {
		t.Fatal("channels not stopped")
	}
	got, ok := m.Get("telegram")
	if !ok || got.Name() != "telegram" {
		t.Fatalf("lookup: %v %v", got, ok)
	}
	if _, ok := m.Get("slack"); ok {
		t.Fatal("unknown channel found")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 4000); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split: %v", got)
	}

	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	got := SplitMessage(text, 15)
	if len(got) != 2 || got[0] != strings.Repeat("a", 10) || got[1] != strings.Repeat("b", 10) {
		t.Fatalf("newline split: %q", got)
	}

	// No newline available: hard split at the limit.
	got = SplitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || got[0] != strings.Repeat("x", 10) || got[2] != strings.Repeat("x", 5) {
		t.Fatalf("hard split: %q", got)
	}
}

func newBridgeArchitect(t *testing.T) (*architect.Engine, *store.Workspace) {
	t.Helper()
	ws, err := store.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rollbacks, err := rollback.NewManager(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	engine, err := architect.New(ws, nil, rollbacks, nil, nil, nil, architect.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return engine, ws
}

func TestBridgeRoutesMessagesToHandler(t *testing.T) {
	bus := NewBus(nil)
	m := NewManager(bus, nil)
	console := &fakeChannel{name: "console"}
	m.Register(console)

	bridge := NewBridge(bus, m, nil, func(_ context.Context, text string) (string, error) {
		return "echo: " + text, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bridge.Run(ctx); close(done) }()

	bus.PublishInbound(InboundMessage{Channel: "console", UserID: "u", Text: "hello"})
	waitFor(t, func() bool { return len(console.messages()) == 1 })
	cancel()
	<-done

	if got := console.messages(); got[0] != "echo: hello" {
		t.Fatalf("reply: %q", got)
	}
}

func TestBridgeHandlerErrorAndEmptyReply(t *testing.T) {
	bus := NewBus(nil)
	m := NewManager(bus, nil)
	console := &fakeChannel{name: "console"}
	m.Register(console)

	calls := 0
	bridge := NewBridge(bus, m, nil, func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("boom")
		}
		return "   ", nil
	}, nil)

	bridge.handleMessage(context.Background(), InboundMessage{Channel: "console", UserID: "u", Text: "a"})
	bridge.handleMessage(context.Background(), InboundMessage{Channel: "console", UserID: "u", Text: "b"})

	got := console.messages()
	if len(got) != 2 || got[0] != errorReply || got[1] != fallbackReply {
		t.Fatalf("fallback replies: %q", got)
	}
}

func TestBridgeApprovalCallback(t *testing.T) {
	engine, _ := newBridgeArchitect(t)
	bus := NewBus(nil)
	m := NewManager(bus, nil)
	console := &fakeChannel{name: "console"}
	m.Register(console)
	bridge := NewBridge(bus, m, engine, nil, nil)

	// Unknown proposal.
	bridge.handleMessage(context.Background(), InboundMessage{
		Channel: "console", UserID: "u",
		Metadata: map[string]string{"callback_data": "approve:prop_missing"},
	})
	// Discussion marker needs no proposal lookup.
	bridge.handleMessage(context.Background(), InboundMessage{
		Channel: "console", UserID: "u",
		Metadata: map[string]string{"callback_data": "discuss:prop_x"},
	})

	got := console.messages()
	if len(got) != 2 || !strings.Contains(got[0], "not found") || !strings.Contains(got[1], "discussion") {
		t.Fatalf("callback replies: %q", got)
	}
}

func TestBusNotifierPublishesOutbound(t *testing.T) {
	bus := NewBus(nil)
	n := NewBusNotifier(bus, "telegram", "u1")

	n.NotifyProposal(architect.Proposal{ProposalID: "prop_1", Level: 2, Problem: "p", Solution: "s"})
	n.NotifyMessage("council done", "council")

	first, ok := bus.ConsumeOutbound(context.Background())
	if !ok || first.MessageType != "proposal" || !strings.Contains(first.Text, "approve:prop_1") {
		t.Fatalf("proposal notification: %+v", first)
	}
	second, _ := bus.ConsumeOutbound(context.Background())
	if second.MessageType != "council" || second.Text != "council done" {
		t.Fatalf("message notification: %+v", second)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
