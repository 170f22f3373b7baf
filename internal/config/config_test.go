package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.String("agent_loop.model", "x"); got != "opus" {
		t.Fatalf("default model = %q", got)
	}
	if got := cfg.Int("observer.deep_mode.emergency_threshold", 0); got != 3 {
		t.Fatalf("default threshold = %d", got)
	}
}

func TestLoadOverridesAndUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "agent_loop:\n  model: qwen\nllm:\n  aliases:\n    gemini-flash: qwen\n  providers:\n    qwen:\n      type: openai\n      model_id: qwen/qwen3-235b-a22b\n      api_key_env: NVIDIA_API_KEY\n      base_url: https://integrate.api.nvidia.com/v1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.String("agent_loop.model", ""); got != "qwen" {
		t.Fatalf("override model = %q", got)
	}
	if got := cfg.String("no.such.key", "fallback"); got != "fallback" {
		t.Fatalf("unknown key = %q", got)
	}
	providers := cfg.Providers()
	p, ok := providers["qwen"]
	if !ok || p.Type != "openai" || p.APIKeyEnv != "NVIDIA_API_KEY" {
		t.Fatalf("provider decode: %+v", providers)
	}
	if cfg.Aliases()["gemini-flash"] != "qwen" {
		t.Fatalf("aliases decode: %v", cfg.Aliases())
	}
}

func TestMaxFilesForLevel(t *testing.T) {
	cfg := Default()
	want := map[int]int{0: 1, 1: 3, 2: 5, 3: 0}
	for level, cap := range want {
		if got := cfg.MaxFilesForLevel(level); got != cap {
			t.Errorf("level %d cap = %d, want %d", level, got, cap)
		}
	}
}

func TestIsQuietTimeAcrossMidnight(t *testing.T) {
	cfg := Default()
	cfg.Set("communication.quiet_hours_start", "22:00")
	cfg.Set("communication.quiet_hours_end", "08:00")

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 14, h, m, 0, 0, time.Local)
	}
	cases := []struct {
		h, m int
		want bool
	}{
		{23, 59, true},
		{0, 0, true},
		{7, 59, true},
		{8, 0, false},
		{12, 0, false},
		{22, 0, true},
	}
	for _, tc := range cases {
		if got := cfg.IsQuietTime(at(tc.h, tc.m)); got != tc.want {
			t.Errorf("IsQuietTime(%02d:%02d) = %v, want %v", tc.h, tc.m, got, tc.want)
		}
	}
}

func TestIsQuietTimeSameDayWindow(t *testing.T) {
	cfg := Default()
	cfg.Set("communication.quiet_hours_start", "13:00")
	cfg.Set("communication.quiet_hours_end", "14:00")
	if !cfg.IsQuietTime(time.Date(2026, 3, 14, 13, 30, 0, 0, time.Local)) {
		t.Fatal("inside same-day window not quiet")
	}
	if cfg.IsQuietTime(time.Date(2026, 3, 14, 14, 0, 0, 0, time.Local)) {
		t.Fatal("end boundary should be outside the window")
	}
}
