// Package matchmaker challenges a random online bot of similar strength.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

// Perf is a lichess rating category.
type Perf string

const (
	Bullet        Perf = "bullet"
	Blitz         Perf = "blitz"
	Rapid         Perf = "rapid"
	Classical     Perf = "classical"
	Antichess     Perf = "antichess"
	Atomic        Perf = "atomic"
	Chess960      Perf = "chess960"
	Crazyhouse    Perf = "crazyhouse"
	Horde         Perf = "horde"
	KingOfTheHill Perf = "kingOfTheHill"
	RacingKings   Perf = "racingKings"
	ThreeCheck    Perf = "threeCheck"
)

var allPerfs = []Perf{
	Bullet, Blitz, Rapid, Classical, Antichess, Atomic, Chess960,
	Crazyhouse, Horde, KingOfTheHill, RacingKings, ThreeCheck,
}

const (
	defaultRating   = 1500
	incrementWeight = 40
)

// PerfFromTimeControl classifies a game. Standard games are bucketed by
// initial + 40*increment seconds; other variants are their own category.
func PerfFromTimeControl(variant string, initial, increment int) Perf {
	if variant != "" && variant != "standard" && variant != "fromPosition" {
		return Perf(variant)
	}
	switch d := initial + incrementWeight*increment; {
	case d < 179:
		return Bullet
	case d < 479:
		return Blitz
	case d < 1499:
		return Rapid
	default:
		return Classical
	}
}

// Candidate is an online bot with a rating and game count per category.
// Missing categories count as 1500 with no games.
type Candidate struct {
	ID      string
	Name    string
	ratings map[Perf]int
	games   map[Perf]int
}

func NewCandidate(b lichess.Bot) Candidate {
	c := Candidate{
		ID:      b.ID,
		Name:    b.Username,
		ratings: make(map[Perf]int, len(allPerfs)),
		games:   make(map[Perf]int, len(allPerfs)),
	}
	for _, p := range allPerfs {
		if info, ok := b.Perfs[string(p)]; ok {
			c.ratings[p] = info.Rating
			c.games[p] = info.Games
		} else {
			c.ratings[p] = defaultRating
		}
	}
	return c
}

func (c Candidate) Rating(p Perf) int {
	if r, ok := c.ratings[p]; ok {
		return r
	}
	return defaultRating
}

func (c Candidate) Games(p Perf) int { return c.games[p] }

func (c Candidate) TotalGames() int {
	total := 0
	for _, n := range c.games {
		total += n
	}
	return total
}

func (c Candidate) is(a lichess.Account) bool {
	if c.ID != "" && a.ID != "" {
		return strings.EqualFold(c.ID, a.ID)
	}
	return strings.EqualFold(c.Name, a.Username)
}

// API is what the matchmaker needs from the lichess client.
type API interface {
	OnlineBots(ctx context.Context) iter.Seq2[lichess.Bot, error]
	CreateChallenge(ctx context.Context, req lichess.ChallengeRequest) error
}

type Matchmaker struct {
	api    API
	cfg    config.MatchmakingConfig
	self   lichess.Account
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(api API, cfg config.MatchmakingConfig, self lichess.Account, logger *zap.Logger) *Matchmaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matchmaker{
		api:    api,
		cfg:    cfg,
		self:   self,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source; used for deterministic selection.
func (m *Matchmaker) WithRand(r *rand.Rand) *Matchmaker {
	m.mu.Lock()
	m.rng = r
	m.mu.Unlock()
	return m
}

// Challenge makes one matchmaking attempt and returns the name of the bot
// that was challenged. An empty name with a nil error means nobody suitable
// was online.
func (m *Matchmaker) Challenge(ctx context.Context) (string, error) {
	if len(m.cfg.InitialTimes) == 0 || len(m.cfg.Increments) == 0 {
		return "", errors.New("matchmaking: no time controls configured")
	}
	log := m.logger.With(zap.String("attempt_id", uuid.NewString()))

	var bots []Candidate
	for b, err := range m.api.OnlineBots(ctx) {
		if err != nil {
			return "", fmt.Errorf("list online bots: %w", err)
		}
		if b.Disabled || b.TOSViolation {
			continue
		}
		bots = append(bots, NewCandidate(b))
	}

	me, found := Candidate{}, false
	for _, c := range bots {
		if c.is(m.self) {
			me, found = c, true
			break
		}
	}
	if !found {
		log.Warn("matchmaking_self_offline", zap.Int("online", len(bots)))
		return "", nil
	}

	initial, increment := m.pickTimeControl()
	perf := PerfFromTimeControl(m.cfg.Variant, initial, increment)
	m.shuffle(bots)

	for _, c := range bots {
		if !m.suitable(me, c, perf) {
			continue
		}
		log.Info("matchmaking_challenge",
			zap.String("opponent", c.Name),
			zap.String("perf", string(perf)),
			zap.String("time_control", fmt.Sprintf("%g+%d", float64(initial)/60, increment)),
			zap.Int("rating", c.Rating(perf)),
		)
		req := lichess.ChallengeRequest{
			Username:  c.Name,
			Rated:     m.cfg.Rated,
			Initial:   initial,
			Increment: increment,
			Variant:   m.cfg.Variant,
		}
		if err := m.api.CreateChallenge(ctx, req); err != nil {
			return "", fmt.Errorf("challenge %s: %w", c.Name, err)
		}
		return c.Name, nil
	}

	log.Warn("matchmaking_no_opponent", zap.String("perf", string(perf)), zap.Int("online", len(bots)))
	return "", nil
}

func (m *Matchmaker) suitable(me, other Candidate, perf Perf) bool {
	if other.is(m.self) {
		return false
	}
	diff := me.Rating(perf) - other.Rating(perf)
	if diff < 0 {
		diff = -diff
	}
	if diff > m.cfg.MaxRatingDiff {
		return false
	}
	return other.TotalGames() >= m.cfg.MinGames
}

func (m *Matchmaker) pickTimeControl() (initial, increment int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	initial = m.cfg.InitialTimes[m.rng.Intn(len(m.cfg.InitialTimes))]
	increment = m.cfg.Increments[m.rng.Intn(len(m.cfg.Increments))]
	return initial, increment
}

func (m *Matchmaker) shuffle(bots []Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng.Shuffle(len(bots), func(i, j int) { bots[i], bots[j] = bots[j], bots[i] })
}
