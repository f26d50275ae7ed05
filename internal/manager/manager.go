// Package manager reacts to the account event stream: it admits games up to
// the concurrency limit, answers and queues challenges, and starts
// matchmaking when the bot has been idle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/notify"
)

const (
	reservationTTL = 60 * time.Second
	actionTimeout  = 30 * time.Second
)

// API is the subset of the lichess client the manager uses.
type API interface {
	StreamEvents(ctx context.Context) iter.Seq2[lichess.AccountEvent, error]
	AcceptChallenge(ctx context.Context, id string) error
	DeclineChallenge(ctx context.Context, id string, reason lichess.DeclineReason) error
	AbortGame(ctx context.Context, id string) error
}

// Game is a running game as seen by the manager.
type Game interface {
	ID() string
	Start(ctx context.Context)
	Done() <-chan struct{}
	Err() error
	Result() string
}

// GameFactory builds the game for a gameStart notification.
type GameFactory func(ref lichess.GameRef) Game

type Matchmaker interface {
	Challenge(ctx context.Context) (string, error)
}

type Manager struct {
	api        API
	self       lichess.Account
	newGame    GameFactory
	matchmaker Matchmaker
	publisher  notify.Publisher
	logger     *zap.Logger

	concurrency int
	challenge   config.ChallengeConfig
	matchmaking config.MatchmakingConfig
	now         func() time.Time

	// owned by the Run goroutine
	games        map[string]Game
	queue        []string
	reserved     map[string]time.Time
	lastActivity time.Time

	matching atomic.Bool
	tasks    sync.WaitGroup
}

// New wires a manager. mm and pub may be nil.
func New(cfg *config.Config, self lichess.Account, api API, newGame GameFactory, mm Matchmaker, pub notify.Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Manager{
		api:         api,
		self:        self,
		newGame:     newGame,
		matchmaker:  mm,
		publisher:   pub,
		logger:      logger,
		concurrency: cfg.Concurrency,
		challenge:   cfg.Challenge,
		matchmaking: cfg.Matchmaking,
		now:         time.Now,
		games:       make(map[string]Game),
		reserved:    make(map[string]time.Time),
	}
}

// Run consumes the account event stream until ctx is canceled or the stream
// gives up. Running games are canceled and awaited before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer m.shutdown(cancel)

	m.lastActivity = m.now()
	m.logger.Info("manager_start",
		zap.String("user", m.self.Name()),
		zap.Int("concurrency", m.concurrency),
		zap.Bool("matchmaking", m.matchmaking.Enabled),
	)
	for ev, err := range m.api.StreamEvents(ctx) {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("account event stream: %w", err)
		}
		m.handle(ctx, ev)
	}
	return ctx.Err()
}

func (m *Manager) shutdown(cancel context.CancelFunc) {
	cancel()
	for id, g := range m.games {
		<-g.Done()
		delete(m.games, id)
	}
	m.tasks.Wait()
	m.logger.Info("manager_stop")
}

func (m *Manager) handle(ctx context.Context, ev lichess.AccountEvent) {
	if ev.Type != lichess.EventPing {
		m.lastActivity = m.now()
	}
	switch ev.Type {
	case lichess.EventPing:
		m.onPing(ctx)
	case lichess.EventGameStart:
		m.onGameStart(ctx, *ev.Game)
	case lichess.EventGameFinish:
		m.onGameFinish(ctx, *ev.Game)
	case lichess.EventChallenge:
		m.onChallenge(ctx, *ev.Challenge)
	case lichess.EventChallengeCanceled:
		m.onChallengeCanceled(*ev.Challenge)
	case lichess.EventChallengeDeclined:
		m.logger.Info("challenge_declined_by_opponent",
			zap.String("challenge_id", ev.Challenge.ID),
			zap.String("opponent", opponentName(ev.Challenge)),
			zap.String("reason", ev.Challenge.DeclineReason),
		)
	}
}

// active counts running games plus accepted challenges whose game has not started yet.
func (m *Manager) active() int { return len(m.games) + len(m.reserved) }

func (m *Manager) hasCapacity() bool { return m.active() < m.concurrency }

func (m *Manager) onPing(ctx context.Context) {
	for id, g := range m.games {
		select {
		case <-g.Done():
			delete(m.games, id)
			m.logger.Info("game_reaped", zap.String("game_id", id), zap.Int("active", len(m.games)))
			m.finished(ctx, g)
		default:
		}
	}
	now := m.now()
	for id, until := range m.reserved {
		if now.After(until) {
			delete(m.reserved, id)
			m.logger.Info("reservation_expired", zap.String("challenge_id", id))
		}
	}
	m.serviceQueue(ctx)
	m.maybeMatchmake(ctx)
}

func (m *Manager) onGameStart(ctx context.Context, ref lichess.GameRef) {
	id := ref.Key()
	if _, ok := m.games[id]; ok {
		m.logger.Debug("game_start_duplicate", zap.String("game_id", id))
		return
	}
	delete(m.reserved, id)
	if !m.hasCapacity() {
		m.logger.Warn("game_start_over_limit", zap.String("game_id", id), zap.Int("active", m.active()))
		actx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		if err := m.api.AbortGame(actx, id); err != nil {
			m.logger.Warn("abort_failed", zap.String("game_id", id), zap.Error(err))
		}
		return
	}

	g := m.newGame(ref)
	m.games[id] = g
	g.Start(ctx)
	m.logger.Info("game_start",
		zap.String("game_id", id),
		zap.String("opponent", ref.Opponent.Username),
		zap.Int("active", len(m.games)),
	)
	m.publisher.Publish(ctx, notify.Event{Type: notify.TypeGameStart, GameID: id, Opponent: ref.Opponent.Username})
	m.serviceQueue(ctx)
}

func (m *Manager) onGameFinish(ctx context.Context, ref lichess.GameRef) {
	id := ref.Key()
	delete(m.reserved, id)
	if g, ok := m.games[id]; ok {
		delete(m.games, id)
		m.finished(ctx, g)
	}
	m.logger.Info("game_finish", zap.String("game_id", id), zap.Int("active", len(m.games)))
	m.serviceQueue(ctx)
}

// finished awaits g in the background, logs how it ended and publishes the result.
func (m *Manager) finished(ctx context.Context, g Game) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		<-g.Done()
		if err := g.Err(); err != nil {
			m.logger.Error("game_failed", zap.String("game_id", g.ID()), zap.Error(err))
		}
		m.publisher.Publish(context.WithoutCancel(ctx), notify.Event{
			Type:   notify.TypeGameFinish,
			GameID: g.ID(),
			Result: g.Result(),
		})
	}()
}

func (m *Manager) onChallenge(ctx context.Context, ch lichess.Challenge) {
	if m.isSelf(ch.Challenger) {
		return
	}
	log := m.logger.With(zap.String("challenge_id", ch.ID), zap.String("challenger", ch.Challenger.Display()))
	log.Info("challenge_received",
		zap.String("variant", ch.Variant.Key),
		zap.String("speed", ch.Speed),
		zap.Bool("rated", ch.Rated),
	)

	if reason, ok := Evaluate(ch, m.challenge); !ok {
		log.Info("challenge_decline", zap.String("reason", string(reason)))
		dctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		if err := m.api.DeclineChallenge(dctx, ch.ID, reason); err != nil {
			log.Warn("decline_failed", zap.Error(err))
		}
		m.publisher.Publish(ctx, notify.Event{
			Type:        notify.TypeChallengeDecline,
			ChallengeID: ch.ID,
			Opponent:    ch.Challenger.Name,
			Reason:      string(reason),
		})
		return
	}

	if !slices.Contains(m.queue, ch.ID) {
		m.queue = append(m.queue, ch.ID)
	}
	m.serviceQueue(ctx)
	if slices.Contains(m.queue, ch.ID) {
		log.Info("challenge_queued", zap.Int("position", slices.Index(m.queue, ch.ID)+1))
	}
}

func (m *Manager) onChallengeCanceled(ch lichess.Challenge) {
	if i := slices.Index(m.queue, ch.ID); i >= 0 {
		m.queue = slices.Delete(m.queue, i, i+1)
		m.logger.Info("challenge_removed", zap.String("challenge_id", ch.ID), zap.String("challenger", ch.Challenger.Name))
	}
	delete(m.reserved, ch.ID)
}

// serviceQueue accepts queued challenges in arrival order while capacity remains.
func (m *Manager) serviceQueue(ctx context.Context) {
	for len(m.queue) > 0 && m.hasCapacity() {
		id := m.queue[0]
		m.queue = m.queue[1:]
		m.accept(ctx, id)
	}
}

func (m *Manager) accept(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := m.api.AcceptChallenge(actx, id); err != nil {
		m.logger.Warn("challenge_accept_failed", zap.String("challenge_id", id), zap.Error(err))
		return
	}
	m.reserved[id] = m.now().Add(reservationTTL)
	m.logger.Info("challenge_accept", zap.String("challenge_id", id), zap.Int("active", m.active()))
	m.publisher.Publish(ctx, notify.Event{Type: notify.TypeChallengeAccept, ChallengeID: id})
}

func (m *Manager) maybeMatchmake(ctx context.Context) {
	if !m.matchmaking.Enabled || m.matchmaker == nil {
		return
	}
	if m.active() > 0 || len(m.queue) > 0 {
		return
	}
	if m.now().Sub(m.lastActivity) < m.matchmaking.Timeout() {
		return
	}
	if !m.matching.CompareAndSwap(false, true) {
		return
	}
	m.lastActivity = m.now()
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer m.matching.Store(false)
		name, err := m.matchmaker.Challenge(ctx)
		switch {
		case err != nil:
			m.logger.Warn("matchmaking_failed", zap.Error(err))
		case name != "":
			m.logger.Info("matchmaking_sent", zap.String("opponent", name))
		}
	}()
}

func (m *Manager) isSelf(p lichess.Player) bool {
	if p.ID != "" && m.self.ID != "" {
		return strings.EqualFold(p.ID, m.self.ID)
	}
	return strings.EqualFold(p.Name, m.self.Username)
}

func opponentName(ch *lichess.Challenge) string {
	if ch.DestUser != nil {
		return ch.DestUser.Name
	}
	return ""
}
