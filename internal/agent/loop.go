// Package agent runs the core loop: assemble context, call the model,
// track history, and feed every finished task through the post-task
// pipeline of reflection, signals, observation and metrics.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"evoagent/internal/compaction"
	"evoagent/internal/contextengine"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/memory"
	"evoagent/internal/metrics"
	"evoagent/internal/observer"
	"evoagent/internal/reflection"
	"evoagent/internal/rules"
	"evoagent/internal/signals"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

// postQueueSize bounds the async post-task pipeline; overflow is handled
// inline so no trace is ever lost.
const postQueueSize = 64

const emptyReply = "Sorry, I could not generate a reply right now, please try again later."

// Options tune the loop.
type Options struct {
	Model            string
	LightModel       string
	MaxHistoryRounds int
	MaxTokens        int
	TotalBudget      int
	OutputReserve    int
	KeepRecent       int
}

func (o *Options) withDefaults() {
	if o.Model == "" {
		o.Model = "opus"
	}
	if o.LightModel == "" {
		o.LightModel = "gemini-flash"
	}
	if o.MaxHistoryRounds <= 0 {
		o.MaxHistoryRounds = 10
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2000
	}
	if o.TotalBudget <= 0 {
		o.TotalBudget = contextengine.DefaultTotalBudget
	}
	if o.OutputReserve <= 0 {
		o.OutputReserve = contextengine.DefaultOutputReserve
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 5
	}
}

// Request carries optional per-message inputs.
type Request struct {
	UserFeedback string
	Project      string
}

// postTask is one unit of post-task work.
type postTask struct {
	trace     task.Trace
	rulesUsed []string
}

// Loop is the conversational core.
type Loop struct {
	client llm.Client
	opts   Options
	logger logging.Logger

	rules     *rules.Interpreter
	memories  *memory.Store
	engine    *contextengine.Engine
	compactor *compaction.Engine
	reflector *reflection.Engine
	sigStore  *signals.Store
	detector  *signals.Detector
	watcher   *observer.Engine
	tracker   *metrics.Tracker

	mu          sync.Mutex
	history     []task.Message
	taskCounter int

	queue     chan postTask
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New wires the loop and its extensions over the workspace and starts the
// post-task worker. Close must be called to drain it.
func New(ws *store.Workspace, client, lightClient llm.Client, tracker *metrics.Tracker, opts Options, logger logging.Logger) (*Loop, error) {
	opts.withDefaults()
	logger = logging.OrNop(logger)
	if lightClient == nil {
		lightClient = client
	}

	interpreter := rules.NewInterpreter(ws.Path("rules"), logger)
	memories, err := memory.NewStore(ws, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	budget := contextengine.DefaultBudget(opts.TotalBudget, opts.OutputReserve)
	engine := contextengine.New(interpreter, budget, logger)
	compactor := compaction.New(lightClient, opts.LightModel, ws.Path("memory"), logger)
	reflector := reflection.New(lightClient, opts.LightModel, memories, logger)
	sigStore := signals.NewStore(ws.Path("signals"), logger)

	metricsPath := ""
	if tracker != nil {
		metricsPath = tracker.EventsPath()
	}
	detector := signals.NewDetector(sigStore, metricsPath, logger)

	watcher, err := observer.NewEngine(lightClient, client, opts.LightModel, opts.Model, ws, logger)
	if err != nil {
		return nil, fmt.Errorf("observer: %w", err)
	}

	l := &Loop{
		client:    client,
		opts:      opts,
		logger:    logger,
		rules:     interpreter,
		memories:  memories,
		engine:    engine,
		compactor: compactor,
		reflector: reflector,
		sigStore:  sigStore,
		detector:  detector,
		watcher:   watcher,
		tracker:   tracker,
		queue:     make(chan postTask, postQueueSize),
	}
	l.workers.Add(1)
	go l.worker()
	return l, nil
}

// Process handles one user message and returns the task trace. Post-task
// work runs asynchronously.
func (l *Loop) Process(ctx context.Context, userMessage string, req Request) task.Trace {
	start := time.Now()
	l.mu.Lock()
	l.taskCounter++
	taskID := fmt.Sprintf("task_%04d", l.taskCounter)
	history := append([]task.Message(nil), l.history...)
	l.mu.Unlock()

	memories := l.memories.RelevantMemories(userMessage, req.Project, 5)
	preferences := l.memories.UserPreferences()
	errorTrace := l.memories.RecentErrors(7)

	anchor := userMessage
	if runes := []rune(anchor); len(runes) > 200 {
		anchor = string(runes[:200])
	}
	l.engine.SetTaskAnchor(anchor)

	assembled := l.engine.Assemble(userMessage, history, memories, preferences, errorTrace)

	if l.compactor.ShouldCompact(assembled.TotalTokens, l.opts.TotalBudget) {
		result := l.compactor.Compact(ctx, history, l.opts.KeepRecent)
		history = result.CompactedHistory
		l.mu.Lock()
		l.history = append([]task.Message(nil), history...)
		l.mu.Unlock()
		l.logger.Info("agent: compaction done, %d -> %d tokens",
			result.Stats.OriginalTokens, result.Stats.CompactedTokens)
		assembled = l.engine.Assemble(userMessage, history, memories, preferences, errorTrace)
	}

	response := ""
	if l.client != nil {
		response = l.client.Complete(ctx, assembled.SystemPrompt, userMessage, l.opts.Model, l.opts.MaxTokens)
	}
	if response == "" {
		l.logger.Warn("agent: empty model response for %s", taskID)
		response = emptyReply
	}

	l.mu.Lock()
	l.history = append(l.history,
		task.Message{Role: task.RoleUser, Content: userMessage},
		task.Message{Role: task.RoleAssistant, Content: response},
	)
	l.trimHistoryLocked()
	l.mu.Unlock()

	trace := task.Trace{
		TaskID:         taskID,
		Timestamp:      store.Now(),
		UserMessage:    userMessage,
		SystemResponse: response,
		UserFeedback:   req.UserFeedback,
		ToolsUsed:      []string{},
		TokensUsed:     assembled.TotalTokens,
		Model:          l.opts.Model,
		DurationMS:     time.Since(start).Milliseconds(),
	}

	work := postTask{trace: trace, rulesUsed: assembled.RulesUsed}
	select {
	case l.queue <- work:
	default:
		// Queue full: run inline rather than drop the trace.
		l.logger.Warn("agent: post-task queue full, running pipeline inline for %s", taskID)
		l.runPipeline(work)
	}
	return trace
}

// worker drains the post-task queue until Close.
func (l *Loop) worker() {
	defer l.workers.Done()
	for work := range l.queue {
		l.runPipeline(work)
	}
}

// runPipeline executes reflection, then signal detection, then observer
// and metrics in parallel.
func (l *Loop) runPipeline(work postTask) {
	ctx := context.Background()
	trace := work.trace

	var ref *reflection.Reflection
	if l.reflector != nil {
		r := l.reflector.Reflect(ctx, trace)
		ref = &r
		l.logger.Info("agent: reflection for %s: type=%s outcome=%s", trace.TaskID, r.Type, r.Outcome)
	}

	if l.detector != nil && ref != nil {
		corrections := 0
		if trace.UserFeedback != "" {
			corrections = 1
		}
		detected := l.detector.Detect(*ref, signals.TaskContext{
			UserCorrections: corrections,
			TokensUsed:      trace.TokensUsed,
			RulesUsed:       work.rulesUsed,
		})
		if len(detected) > 0 {
			l.logger.Info("agent: %d signals detected for %s", len(detected), trace.TaskID)
		}
		if l.tracker != nil {
			for _, sig := range detected {
				l.tracker.RecordSignal(sig.SignalType, sig.Priority, sig.Source)
			}
		}
	}

	var g errgroup.Group
	if l.watcher != nil {
		g.Go(func() error {
			l.watcher.Observe(ctx, trace, ref)
			return nil
		})
	}
	if l.tracker != nil {
		g.Go(func() error {
			outcome := reflection.OutcomeSuccess
			errorType := ""
			corrections := 0
			if ref != nil {
				outcome = ref.Outcome
				if ref.Type == reflection.TypeError || ref.Type == reflection.TypePreference {
					errorType = ref.Type
				}
				if trace.UserFeedback != "" {
					corrections = 1
				}
			}
			l.tracker.RecordTask(trace.TaskID, outcome, trace.TokensUsed, trace.Model, trace.DurationMS, corrections, errorType)
			return nil
		})
	}
	_ = g.Wait()
}

// Close drains the post-task queue and stops the worker.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
		l.workers.Wait()
	})
}

// History returns a copy of the conversation history.
func (l *Loop) History() []task.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]task.Message(nil), l.history...)
}

// ClearHistory resets the conversation and the task counter.
func (l *Loop) ClearHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = nil
	l.taskCounter = 0
}

// Signals exposes the signal store for schedulers and bridges.
func (l *Loop) Signals() *signals.Store { return l.sigStore }

// Detector exposes the signal detector for cron pattern sweeps.
func (l *Loop) Detector() *signals.Detector { return l.detector }

// Observer exposes the observer engine for deep analysis triggers.
func (l *Loop) Observer() *observer.Engine { return l.watcher }

// Memories exposes the memory store.
func (l *Loop) Memories() *memory.Store { return l.memories }

// DailySummary returns today's metrics rollup, when metrics are wired.
func (l *Loop) DailySummary() (metrics.Summary, bool) {
	if l.tracker == nil {
		return metrics.Summary{}, false
	}
	return l.tracker.DailySummary(""), true
}

// RunDeepAnalysis triggers an observer deep report immediately.
func (l *Loop) RunDeepAnalysis(ctx context.Context, trigger string) observer.Report {
	return l.watcher.DeepAnalyze(ctx, trigger)
}

func (l *Loop) trimHistoryLocked() {
	maxMessages := l.opts.MaxHistoryRounds * 2
	if len(l.history) > maxMessages {
		l.history = append([]task.Message(nil), l.history[len(l.history)-maxMessages:]...)
	}
}
