package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	path := writeConfig(t, `
token: abc
concurrency: 3
move_overhead: 250
engine:
  path: /usr/bin/stockfish
  options:
    Threads: 2
    Hash: 128
books:
  enabled: true
  depth: 8
  selection: best_move
  standard:
    - books/a.bin
    - books/b.bin
  chess960:
    - books/960.bin
resign:
  enabled: true
  moves: 3
  score: -700
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "abc" || cfg.Concurrency != 3 {
		t.Fatalf("unexpected token/concurrency: %q %d", cfg.Token, cfg.Concurrency)
	}
	if cfg.MoveOverhead() != 250*time.Millisecond {
		t.Fatalf("move overhead = %v", cfg.MoveOverhead())
	}
	if cfg.AbortTime() != 20*time.Second {
		t.Fatalf("abort time default = %v", cfg.AbortTime())
	}
	if got := cfg.Books.Paths["standard"]; len(got) != 2 || got[0] != "books/a.bin" {
		t.Fatalf("standard books = %v", got)
	}
	if got := cfg.Books.Paths["chess960"]; len(got) != 1 {
		t.Fatalf("chess960 books = %v", got)
	}
	if cfg.Engine.Options["Threads"] != 2 {
		t.Fatalf("engine options = %v", cfg.Engine.Options)
	}
	if cfg.Resign.Score != -700 || !cfg.Resign.Enabled {
		t.Fatalf("resign = %+v", cfg.Resign)
	}
	if cfg.Draw.Moves != 5 {
		t.Fatalf("draw default moves = %d", cfg.Draw.Moves)
	}
}

func TestLoadEnvOverridesToken(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "from-env")
	path := writeConfig(t, "token: from-file\nengine:\n  path: sf\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("token = %q, want from-env", cfg.Token)
	}
}

func TestStreamIdleTimeout(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	cfg, err := Load(writeConfig(t, "token: x\nengine:\n  path: sf\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamIdle() != 20*time.Second {
		t.Fatalf("default stream idle = %v", cfg.StreamIdle())
	}
	cfg, err = Load(writeConfig(t, "token: x\nengine:\n  path: sf\nstream_idle_timeout: 45\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamIdle() != 45*time.Second {
		t.Fatalf("stream idle = %v", cfg.StreamIdle())
	}
}

func TestLoadMessagesDir(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	t.Setenv("MESSAGES_DIR", "")
	cfg, err := Load(writeConfig(t, "token: x\nengine:\n  path: sf\nmessages_dir: msgs\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MessagesDir != "msgs" {
		t.Fatalf("messages_dir = %q, want msgs", cfg.MessagesDir)
	}

	t.Setenv("MESSAGES_DIR", "/etc/bot/messages")
	cfg, err = Load(writeConfig(t, "token: x\nengine:\n  path: sf\nmessages_dir: msgs\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MessagesDir != "/etc/bot/messages" {
		t.Fatalf("messages_dir = %q, want env value", cfg.MessagesDir)
	}
}

func TestLoadAcceptsEngineOnlyMatchmakingVariant(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	cfg, err := Load(writeConfig(t, "token: x\nengine:\n  path: sf\nmatchmaking:\n  enabled: true\n  variant: atomic\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matchmaking.Variant != "atomic" {
		t.Fatalf("variant = %q", cfg.Matchmaking.Variant)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	cases := map[string]string{
		"missing token":  "engine:\n  path: sf\n",
		"missing engine": "token: x\n",
		"bad selection":  "token: x\nengine:\n  path: sf\nbooks:\n  selection: newest\n",
		"bad mm":         "token: x\nengine:\n  path: sf\nmatchmaking:\n  enabled: true\n  initial_times: []\n",
		"mm variant":     "token: x\nengine:\n  path: sf\nmatchmaking:\n  enabled: true\n  variant: shogi\n",
		"mm position":    "token: x\nengine:\n  path: sf\nmatchmaking:\n  enabled: true\n  variant: fromPosition\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadEnvFileFeedsOverrides(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("LICHESS_URL=http://localhost:9663\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("LICHESS_URL", "")
	os.Unsetenv("LICHESS_URL")
	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	cfg, err := Load(writeConfig(t, "token: x\nengine:\n  path: sf\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.URL != "http://localhost:9663" {
		t.Fatalf("url = %q", cfg.URL)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
