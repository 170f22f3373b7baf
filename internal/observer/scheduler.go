package observer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"evoagent/internal/logging"
	"evoagent/internal/signals"
	"evoagent/internal/store"
)

// dailyWindowMinutes is the half-width of the daily trigger window.
const dailyWindowMinutes = 30

// DeepScheduler decides when deep analysis runs: once per day inside the
// configured window, or immediately when critical signals pile up.
type DeepScheduler struct {
	engine             *Engine
	signalStore        *signals.Store
	dailyTime          string
	emergencyThreshold int
	dailyDoneDate      string
	logger             logging.Logger
}

// NewDeepScheduler builds a scheduler. dailyTime is "HH:MM"; a threshold
// below one disables the emergency trigger sensibly at one.
func NewDeepScheduler(engine *Engine, signalStore *signals.Store, dailyTime string, emergencyThreshold int, logger logging.Logger) *DeepScheduler {
	if dailyTime == "" {
		dailyTime = "02:00"
	}
	if emergencyThreshold < 1 {
		emergencyThreshold = 1
	}
	return &DeepScheduler{
		engine:             engine,
		signalStore:        signalStore,
		dailyTime:          dailyTime,
		emergencyThreshold: emergencyThreshold,
		logger:             logging.OrNop(logger),
	}
}

// CheckAndRun runs deep analysis when a trigger fires. The emergency
// trigger takes precedence over the daily window.
func (s *DeepScheduler) CheckAndRun(ctx context.Context) (Report, bool) {
	critical := s.signalStore.CountRecent(signals.Filter{Priority: signals.PriorityCritical}, 24)
	if critical >= s.emergencyThreshold {
		s.logger.Warn("observer: emergency deep analysis, %d critical signals in 24h", critical)
		return s.engine.DeepAnalyze(ctx, TriggerEmergency), true
	}

	now := time.Now()
	if s.inDailyWindow(now) && s.dailyDoneDate != now.Format(store.DateLayout) {
		report := s.engine.DeepAnalyze(ctx, TriggerDaily)
		s.MarkDailyDone()
		return report, true
	}
	return Report{}, false
}

// NextRunTime returns the next planned daily run.
func (s *DeepScheduler) NextRunTime() time.Time {
	now := time.Now()
	hour, minute := s.parseDailyTime()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// MarkDailyDone records that today's daily analysis already ran.
func (s *DeepScheduler) MarkDailyDone() {
	s.dailyDoneDate = time.Now().Format(store.DateLayout)
}

// inDailyWindow checks the circular distance on a 24h clock so a window
// around midnight still works.
func (s *DeepScheduler) inDailyWindow(now time.Time) bool {
	hour, minute := s.parseDailyTime()
	nowMinutes := now.Hour()*60 + now.Minute()
	targetMinutes := hour*60 + minute
	delta := nowMinutes - targetMinutes
	if delta < 0 {
		delta = -delta
	}
	if 1440-delta < delta {
		delta = 1440 - delta
	}
	return delta <= dailyWindowMinutes
}

func (s *DeepScheduler) parseDailyTime() (int, int) {
	parts := strings.SplitN(s.dailyTime, ":", 2)
	if len(parts) != 2 {
		return 2, 0
	}
	hour, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	minute, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 2, 0
	}
	if hour < 0 {
		hour = 0
	} else if hour > 23 {
		hour = 23
	}
	if minute < 0 {
		minute = 0
	} else if minute > 59 {
		minute = 59
	}
	return hour, minute
}
