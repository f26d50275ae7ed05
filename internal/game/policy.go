package game

import (
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/engine"
)

// mateScore stands in for a missing evaluation, as if we had mate in one.
var mateScore = engine.Score{Mate: 1, IsMate: true}

// lastN returns the trailing n scores, or nil when fewer were recorded.
func lastN(scores []int, n int) []int {
	if n <= 0 || len(scores) < n {
		return nil
	}
	return scores[len(scores)-n:]
}

// shouldResign reports whether the last cfg.Moves evaluations are all at or
// below cfg.Score. Scores are centipawns from our side.
func shouldResign(scores []int, cfg config.ResignConfig) bool {
	if !cfg.Enabled {
		return false
	}
	window := lastN(scores, cfg.Moves)
	if window == nil {
		return false
	}
	for _, s := range window {
		if s > cfg.Score {
			return false
		}
	}
	return true
}

// shouldOfferDraw reports whether the game is long enough and the last
// cfg.Moves evaluations all stay within ±cfg.Score.
func shouldOfferDraw(scores []int, fullmove int, cfg config.DrawConfig) bool {
	if !cfg.Enabled || fullmove < cfg.MinGameLength {
		return false
	}
	window := lastN(scores, cfg.Moves)
	if window == nil {
		return false
	}
	for _, s := range window {
		if s > cfg.Score || s < -cfg.Score {
			return false
		}
	}
	return true
}
