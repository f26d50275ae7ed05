package game

import (
	"strings"
	"testing"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

func TestShouldResign(t *testing.T) {
	cfg := config.ResignConfig{Enabled: true, Moves: 3, Score: -700}
	cases := []struct {
		name   string
		scores []int
		cfg    config.ResignConfig
		want   bool
	}{
		{"losing window", []int{-750, -800, -720}, cfg, true},
		{"recovered last move", []int{-750, -800, 100}, cfg, false},
		{"only the tail counts", []int{300, -750, -800, -720}, cfg, true},
		{"window not filled", []int{-900, -900}, cfg, false},
		{"threshold is inclusive", []int{-700, -700, -700}, cfg, true},
		{"disabled", []int{-900, -900, -900}, config.ResignConfig{Moves: 3, Score: -700}, false},
		{"empty window never resigns", []int{-900}, config.ResignConfig{Enabled: true, Score: -700}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shouldResign(tc.scores, tc.cfg); got != tc.want {
				t.Fatalf("shouldResign(%v) = %v, want %v", tc.scores, got, tc.want)
			}
		})
	}
}

func TestShouldOfferDraw(t *testing.T) {
	cfg := config.DrawConfig{Enabled: true, MinGameLength: 35, Moves: 3, Score: 10}
	cases := []struct {
		name     string
		scores   []int
		fullmove int
		want     bool
	}{
		{"level position", []int{200, 5, -10, 0}, 40, true},
		{"too early", []int{0, 0, 0}, 34, false},
		{"one score outside the band", []int{0, 11, 0}, 40, false},
		{"negative outside the band", []int{0, -11, 0}, 40, false},
		{"window not filled", []int{0, 0}, 40, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shouldOfferDraw(tc.scores, tc.fullmove, cfg); got != tc.want {
				t.Fatalf("shouldOfferDraw(%v, %d) = %v, want %v", tc.scores, tc.fullmove, got, tc.want)
			}
		})
	}
	disabled := cfg
	disabled.Enabled = false
	if shouldOfferDraw([]int{0, 0, 0}, 50, disabled) {
		t.Fatal("disabled draw policy offered a draw")
	}
}

func TestFormatResult(t *testing.T) {
	start, err := board.New("standard", "")
	if err != nil {
		t.Fatal(err)
	}
	repeated, err := start.Replay(strings.Fields("g1f3 g8f6 f3g1 f6g8 g1f3 g8f6 f3g1 f6g8"))
	if err != nil {
		t.Fatal(err)
	}
	bare, err := board.New("fromPosition", "8/8/4k3/8/8/4K3/8/8 w - - 0 1")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		status lichess.Status
		winner string
		b      *board.Board
		want   string
	}{
		{lichess.StatusMate, "white", start, "W won by checkmate!"},
		{lichess.StatusOutOfTime, "black", start, "B won! W ran out of time."},
		{lichess.StatusResign, "white", start, "W won! B resigned."},
		{lichess.StatusVariantEnd, "black", start, "B won."},
		{lichess.StatusDraw, "", repeated, "Game drawn by threefold repetition."},
		{lichess.StatusDraw, "", bare, "Game drawn due to insufficient material."},
		{lichess.StatusDraw, "", start, "Game drawn by agreement."},
		{lichess.StatusDraw, "", nil, "Game drawn by agreement."},
		{lichess.StatusStalemate, "", start, "Game drawn by stalemate."},
		{lichess.StatusAborted, "", start, "Game aborted."},
		{lichess.StatusUnknownFinish, "", start, "Game finish unknown."},
		{lichess.StatusCheat, "", start, "Game finish unknown."},
	}
	for _, tc := range cases {
		got := FormatResult(nil, "abc", tc.status, tc.winner, "W", "B", tc.b)
		if got != "abc -- "+tc.want {
			t.Errorf("FormatResult(%s, %q) = %q, want %q", tc.status, tc.winner, got, tc.want)
		}
	}
}
