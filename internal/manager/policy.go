package manager

import (
	"slices"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

// Evaluate decides whether to accept ch. Checks run in a fixed order and the
// first failing one supplies the decline reason.
func Evaluate(ch lichess.Challenge, cfg config.ChallengeConfig) (lichess.DeclineReason, bool) {
	if !cfg.Enabled {
		return lichess.DeclineGeneric, false
	}

	if ch.Rated && !slices.Contains(cfg.Modes, "rated") {
		return lichess.DeclineCasual, false
	}
	if !ch.Rated && !slices.Contains(cfg.Modes, "casual") {
		return lichess.DeclineRated, false
	}

	variant := ch.Variant.Key
	if !slices.Contains(cfg.Variants, variant) || !board.Supported(variant) {
		if len(cfg.Variants) == 1 && cfg.Variants[0] == "standard" {
			return lichess.DeclineStandard, false
		}
		return lichess.DeclineVariant, false
	}

	bot := ch.Challenger.IsBot()
	if bot && !slices.Contains(cfg.Opponents, "bot") {
		return lichess.DeclineNoBot, false
	}
	if !bot && !slices.Contains(cfg.Opponents, "human") {
		return lichess.DeclineOnlyBot, false
	}

	if !slices.Contains(cfg.TimeControls, ch.Speed) {
		return lichess.DeclineTimeControl, false
	}

	if ch.TimeControl.Type == "clock" {
		tc := ch.TimeControl
		switch {
		case tc.Limit < cfg.MinInitial, tc.Increment < cfg.MinIncrement:
			return lichess.DeclineTooFast, false
		case tc.Limit > cfg.MaxInitial, tc.Increment > cfg.MaxIncrement:
			return lichess.DeclineTooSlow, false
		}
	}

	if ch.Rated && ch.DestUser != nil && ch.DestUser.Rating > 0 && ch.Challenger.Rating > 0 {
		limit := cfg.MaxRatingDiff.Human
		if bot {
			limit = cfg.MaxRatingDiff.Bot
		}
		diff := ch.Challenger.Rating - ch.DestUser.Rating
		if diff < 0 {
			diff = -diff
		}
		if diff > limit {
			return lichess.DeclineGeneric, false
		}
	}
	return "", true
}
