package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"evoagent/internal/agent"
	"evoagent/internal/channels"
	"evoagent/internal/logging"
	"evoagent/internal/observer"
)

// consoleChannel is the stdin/stdout channel for the full service mode.
// Lines starting with approve:/reject:/discuss: become approval callbacks.
type consoleChannel struct {
	bus    *channels.Bus
	logger logging.Logger
	rl     *readline.Instance
	done   chan struct{}
}

func newConsoleChannel(bus *channels.Bus, logger logging.Logger) *consoleChannel {
	return &consoleChannel{bus: bus, logger: logging.OrNop(logger), done: make(chan struct{})}
}

func (c *consoleChannel) Name() string { return "console" }

func (c *consoleChannel) Start(ctx context.Context) error {
	rl, err := newReadline("> ")
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	c.rl = rl

	go func() {
		defer close(c.done)
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Error("console: read: %v", err)
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			msg := channels.InboundMessage{Channel: c.Name(), UserID: "local", Text: text}
			if isApprovalCallback(text) {
				msg.Metadata = map[string]string{"callback_data": text}
			}
			if !c.bus.PublishInbound(msg) {
				fmt.Println("Agent is busy, message dropped.")
			}
		}
	}()
	return nil
}

func (c *consoleChannel) Stop() error {
	if c.rl == nil {
		return nil
	}
	err := c.rl.Close()
	<-c.done
	return err
}

func (c *consoleChannel) SendMessage(_, text string) error {
	fmt.Printf("\nAgent: %s\n", text)
	return nil
}

func isApprovalCallback(text string) bool {
	for _, prefix := range []string{"approve:", "reject:", "discuss:"} {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// RunConsole is the dry-run mode: a local REPL straight into the agent
// loop, no channels, bridge or schedulers.
func (a *App) RunConsole(ctx context.Context) error {
	fmt.Println("=== evoagent dry-run mode ===")
	fmt.Println("Type a message to talk to the agent. /summary, /deep, /quit.")
	fmt.Println()

	rl, err := newReadline("you: ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			fmt.Println("\nBye!")
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/quit", "/exit":
			fmt.Println("Bye!")
			return nil
		case "/summary":
			summary, ok := a.loop.DailySummary()
			if !ok {
				fmt.Println("Agent: no metrics available.")
				continue
			}
			fmt.Printf("Agent: %s: %d tasks, %.1f%% success, %d tokens\n\n",
				summary.Date, summary.Tasks.Total, summary.Tasks.SuccessRate*100, summary.Tokens["total"])
			continue
		case "/deep":
			report := a.loop.RunDeepAnalysis(ctx, observer.TriggerDaily)
			fmt.Printf("Agent: deep analysis done, %d findings, overall health %s\n\n",
				len(report.KeyFindings), report.OverallHealth)
			continue
		}

		trace := a.loop.Process(ctx, input, agent.Request{})
		fmt.Printf("\nAgent: %s\n\n", trace.SystemResponse)
	}
}

func newReadline(prompt string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}
