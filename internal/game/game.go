// Package game runs the lifecycle of one lichess game: it follows the game
// stream, rebuilds the position from the server's move list, chooses moves
// from the opening book or the engine and tears the engine down at the end.
package game

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/book"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/engine"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
)

const actionTimeout = 30 * time.Second

// API is the subset of the lichess client a Game uses.
type API interface {
	StreamGame(ctx context.Context, gameID string) iter.Seq2[lichess.GameEvent, error]
	MakeMove(ctx context.Context, gameID, uci string, offerDraw bool) error
	AbortGame(ctx context.Context, gameID string) error
	ResignGame(ctx context.Context, gameID string) error
	ClaimVictory(ctx context.Context, gameID string) error
}

// Book supplies opening moves. A nil Book disables book play.
type Book interface {
	Pick(b *board.Board) (book.Pick, bool)
}

type Settings struct {
	MoveOverhead time.Duration
	AbortTime    time.Duration
	Draw         config.DrawConfig
	Resign       config.ResignConfig

	// TeardownGrace bounds how long an in-flight move may keep running after
	// the game ended before it is canceled.
	TeardownGrace time.Duration
	// MaxAbortAttempts abort requests are sent before the game is forced to aborted.
	MaxAbortAttempts int
	// OpeningMoveTime is the fixed search time for the first two plies.
	OpeningMoveTime time.Duration
	// Messages renders the result line; nil means the built-in wording.
	Messages *msgcat.Catalog
}

func SettingsFromConfig(cfg *config.Config, messages *msgcat.Catalog) Settings {
	return Settings{
		MoveOverhead:     cfg.MoveOverhead(),
		AbortTime:        cfg.AbortTime(),
		Draw:             cfg.Draw,
		Resign:           cfg.Resign,
		TeardownGrace:    60 * time.Second,
		MaxAbortAttempts: 3,
		OpeningMoveTime:  10 * time.Second,
		Messages:         messages,
	}
}

type clockState struct {
	wtime, btime, winc, binc time.Duration
}

// moveTask is the snapshot a move decision works on.
type moveTask struct {
	board *board.Board
	clock clockState
	white bool
}

type Game struct {
	id       string
	self     lichess.Account
	api      API
	engines  EngineFactory
	book     Book
	settings Settings
	logger   *zap.Logger

	done chan struct{}
	err  error

	mu            sync.Mutex
	status        lichess.Status
	winner        string
	variant       string
	initialFEN    string
	white         bool
	whiteName     string
	blackName     string
	base          *board.Board
	board         *board.Board
	clock         clockState
	scores        []int
	lastTriggered int
	abortSince    time.Time
	abortAttempts int
	resigned      bool
	claimed       bool
	result        string

	eng      Engine
	quitOnce sync.Once

	moveMu sync.Mutex
	moves  sync.WaitGroup
}

// New prepares a game from its gameStart notification. Nothing runs until Start or Run.
func New(ref lichess.GameRef, self lichess.Account, api API, engines EngineFactory, bk Book, settings Settings, logger *zap.Logger) *Game {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Game{
		id:            ref.Key(),
		self:          self,
		api:           api,
		engines:       engines,
		book:          bk,
		settings:      settings,
		done:          make(chan struct{}),
		status:        lichess.StatusCreated,
		variant:       ref.Variant.Key,
		initialFEN:    ref.FEN,
		white:         ref.Color == "white",
		lastTriggered: -1,
	}
	if g.variant == "" {
		g.variant = "standard"
	}
	if ref.Status != "" && ref.Status != lichess.StatusUnknownFinish {
		g.status = ref.Status
	}
	opponent := ref.Opponent.Username
	if g.white {
		g.whiteName, g.blackName = self.Name(), opponent
	} else {
		g.whiteName, g.blackName = opponent, self.Name()
	}
	g.logger = logger.With(zap.String("game_id", g.id))
	return g
}

func (g *Game) ID() string { return g.id }

// Done is closed once the game loop has finished and the engine has quit.
func (g *Game) Done() <-chan struct{} { return g.done }

// Err is the reason the loop stopped abnormally. Valid after Done.
func (g *Game) Err() error {
	<-g.done
	return g.err
}

func (g *Game) Status() lichess.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Result is the result line, set when the game has finished.
func (g *Game) Result() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result
}

func (g *Game) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("%s -- %s: %s v. %s", g.id, g.variant, g.whiteName, g.blackName)
}

func (g *Game) Start(ctx context.Context) {
	go func() { _ = g.Run(ctx) }()
}

// Run follows the game until it reaches a terminal status or its stream
// ends, then shuts the engine down. It returns the same value as Err.
func (g *Game) Run(ctx context.Context) error {
	defer close(g.done)

	moveCtx, cancelMoves := context.WithCancel(ctx)
	defer cancelMoves()

	err := g.setup(ctx)
	if err == nil {
		err = g.follow(ctx, moveCtx)
	} else {
		g.logger.Error("game_setup_failed", zap.Error(err))
		g.resignOnce(ctx)
	}
	g.teardown(cancelMoves)

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	g.err = err
	return err
}

func (g *Game) setup(ctx context.Context) error {
	b, err := board.New(g.variant, g.initialFEN)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.base, g.board = b, b
	g.abortSince = time.Now()
	g.mu.Unlock()

	g.logger.Debug("engine_start", zap.String("variant", g.variant))
	eng, err := g.engines(ctx, g.variant)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	g.eng = eng
	g.logger.Info("game_setup", zap.String("game", g.String()), zap.String("engine", eng.Name()))
	return nil
}

// follow consumes the game stream until a terminal status is seen.
func (g *Game) follow(ctx, moveCtx context.Context) error {
	for ev, err := range g.api.StreamGame(ctx, g.id) {
		if err != nil {
			return err
		}
		if g.handle(ctx, moveCtx, ev) {
			return nil
		}
	}
	return nil
}

// handle applies one event and reports whether the game reached a terminal status.
func (g *Game) handle(ctx, moveCtx context.Context, ev lichess.GameEvent) bool {
	switch ev.Type {
	case lichess.GameFull:
		if err := g.applyFull(ev.Full); err != nil {
			g.logger.Error("game_full_rejected", zap.Error(err))
			g.resignOnce(ctx)
			return false
		}
		if g.over() {
			return true
		}
		g.maybeMove(moveCtx)
	case lichess.GameStateUpdate:
		if g.applyState(*ev.State) && !g.over() {
			g.maybeMove(moveCtx)
		}
		return g.over()
	case lichess.GamePing:
		return g.checkAbort(ctx)
	case lichess.GameOpponentGone:
		g.checkClaim(ctx, *ev.Opponent)
	case lichess.GameChatLine:
		g.logger.Debug("game_chat",
			zap.String("room", ev.Chat.Room),
			zap.String("user", ev.Chat.Username),
			zap.String("text", ev.Chat.Text),
		)
	}
	return false
}

// applyFull takes the full game description: colors, start position and state.
func (g *Game) applyFull(full *lichess.GameFullInfo) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.EqualFold(full.White.ID, g.self.ID) && g.self.ID != "":
		g.white = true
	case strings.EqualFold(full.Black.ID, g.self.ID) && g.self.ID != "":
		g.white = false
	}
	g.whiteName, g.blackName = full.White.Display(), full.Black.Display()
	if g.white {
		g.whiteName = g.self.Name()
	} else {
		g.blackName = g.self.Name()
	}

	variant := full.Variant.Key
	if variant == "" {
		variant = g.variant
	}
	base, err := board.New(variant, full.InitialFEN)
	if err != nil {
		return err
	}
	g.variant, g.base = variant, base
	g.initialFEN = base.InitialFEN()

	st := full.State
	nb, err := base.Replay(st.MoveList())
	if err != nil {
		return err
	}
	g.updateLocked(st)
	if nb.Ply() != g.board.Ply() {
		g.abortSince = time.Now()
	}
	g.board = nb
	g.logMovesLost(nb)
	return nil
}

// applyState handles an incremental update. It reports whether the move list
// grew; an update that does not add moves leaves the board untouched.
func (g *Game) applyState(st lichess.GameState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.updateLocked(st)
	moves := st.MoveList()
	if len(moves) <= g.board.Ply() {
		return false
	}
	nb, err := g.base.Replay(moves)
	if err != nil {
		g.logger.Error("replay_failed", zap.Error(err))
		return false
	}
	g.board = nb
	g.abortSince = time.Now()
	g.logMovesLost(nb)
	return true
}

func (g *Game) updateLocked(st lichess.GameState) {
	if st.Status != "" {
		g.status = st.Status
	}
	if st.Winner != "" {
		g.winner = st.Winner
	}
	g.clock = clockState{
		wtime: time.Duration(st.WTime) * time.Millisecond,
		btime: time.Duration(st.BTime) * time.Millisecond,
		winc:  time.Duration(st.WInc) * time.Millisecond,
		binc:  time.Duration(st.BInc) * time.Millisecond,
	}
}

func (g *Game) logMovesLost(b *board.Board) {
	if err := b.Lost(); err != nil {
		g.logger.Debug("board_untracked", zap.Int("ply", b.Ply()), zap.Error(err))
	}
}

func (g *Game) over() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status.Terminal()
}

func (g *Game) ourTurnLocked() bool {
	return g.board.WhiteToMove() == g.white
}

// maybeMove starts a move decision when it is our turn and none has been
// started for the current ply yet.
func (g *Game) maybeMove(ctx context.Context) {
	g.mu.Lock()
	if !g.ourTurnLocked() || g.board.Ply() == g.lastTriggered {
		g.mu.Unlock()
		return
	}
	g.lastTriggered = g.board.Ply()
	task := moveTask{board: g.board, clock: g.clock, white: g.white}
	g.mu.Unlock()

	g.moves.Add(1)
	go func() {
		defer g.moves.Done()
		g.moveMu.Lock()
		defer g.moveMu.Unlock()
		g.decide(ctx, task)
	}()
}

// current reports whether the task still describes the live position.
func (g *Game) current(t moveTask) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.status.Terminal() && g.board.Ply() == t.board.Ply()
}

func (g *Game) decide(ctx context.Context, t moveTask) {
	if !g.current(t) || ctx.Err() != nil {
		return
	}
	g.logger.Debug("move_search", zap.String("fen", t.board.FEN()), zap.Int("ply", t.board.Ply()))

	if g.book != nil {
		if pick, ok := g.book.Pick(t.board); ok {
			g.logger.Info("move_book",
				zap.String("line", fmt.Sprintf("%s -- Book: %s", g.id, t.board.MoveLabel(pick.Move))),
				zap.String("source", pick.Source),
				zap.Uint16("weight", pick.Weight),
			)
			g.submit(ctx, t, pick.Move, false)
			return
		}
	}

	res, err := g.eng.Play(ctx, g.searchRequest(t))
	if err != nil {
		if g.over() || ctx.Err() != nil {
			g.logger.Debug("move_search_abandoned", zap.Error(err))
			return
		}
		g.logger.Error("move_search_failed", zap.Error(err))
		g.resignOnce(ctx)
		return
	}

	score := mateScore
	if res.Score != nil {
		score = *res.Score
	}
	g.mu.Lock()
	g.scores = append(g.scores, score.Centipawns())
	scores := append([]int(nil), g.scores...)
	g.mu.Unlock()

	g.logger.Info("move_engine",
		zap.String("move", t.board.MoveLabel(res.BestMove)),
		zap.String("score", score.String()),
		zap.Duration("time", res.Time),
		zap.Int("depth", res.Depth),
		zap.String("pv", strings.Join(t.board.LineSAN(res.PV), " ")),
		zap.Int64("nps", res.NPS),
	)

	if !g.current(t) {
		return
	}
	if shouldResign(scores, g.settings.Resign) {
		g.logger.Info("game_resign", zap.Ints("scores", lastN(scores, g.settings.Resign.Moves)))
		g.resignOnce(ctx)
		return
	}
	offer := shouldOfferDraw(scores, t.board.FullmoveNumber(), g.settings.Draw)
	if offer {
		g.logger.Info("draw_offer")
	}
	g.submit(ctx, t, res.BestMove, offer)
}

func (g *Game) searchRequest(t moveTask) engine.SearchRequest {
	req := engine.SearchRequest{FEN: t.board.InitialFEN(), Moves: t.board.Moves()}
	if t.board.Ply() < 2 {
		req.MoveTime = g.settings.OpeningMoveTime
		return req
	}
	c := engine.Clock{WTime: t.clock.wtime, BTime: t.clock.btime, WInc: t.clock.winc, BInc: t.clock.binc}
	if t.white {
		c.WTime = max(c.WTime-g.settings.MoveOverhead, 0)
	} else {
		c.BTime = max(c.BTime-g.settings.MoveOverhead, 0)
	}
	req.Clock = c
	return req
}

func (g *Game) submit(ctx context.Context, t moveTask, uci string, offerDraw bool) {
	if !g.current(t) {
		return
	}
	if err := g.api.MakeMove(ctx, g.id, uci, offerDraw); err != nil {
		g.logger.Warn("move_submit_failed", zap.String("move", uci), zap.Error(err))
	}
}

func (g *Game) resignOnce(ctx context.Context) {
	g.mu.Lock()
	if g.resigned || g.status.Terminal() {
		g.mu.Unlock()
		return
	}
	g.resigned = true
	g.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
	defer cancel()
	if err := g.api.ResignGame(rctx, g.id); err != nil {
		g.logger.Warn("resign_failed", zap.Error(err))
	}
}

// checkAbort aborts a game whose opponent has not moved within the abort
// time. It reports true once the game has been forced to aborted.
func (g *Game) checkAbort(ctx context.Context) bool {
	g.mu.Lock()
	if g.status.Terminal() {
		g.mu.Unlock()
		return true
	}
	eligible := g.board.Ply() < 2 && !g.ourTurnLocked() && time.Since(g.abortSince) >= g.settings.AbortTime
	if !eligible {
		g.mu.Unlock()
		return false
	}
	if g.abortAttempts >= g.settings.MaxAbortAttempts {
		g.status = lichess.StatusAborted
		g.mu.Unlock()
		g.logger.Warn("abort_forced", zap.Int("attempts", g.abortAttempts))
		return true
	}
	g.abortAttempts++
	attempt := g.abortAttempts
	g.mu.Unlock()

	g.logger.Info("abort_request", zap.Int("attempt", attempt))
	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := g.api.AbortGame(actx, g.id); err != nil {
		g.logger.Warn("abort_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return false
}

func (g *Game) checkClaim(ctx context.Context, gone lichess.OpponentGone) {
	if !gone.CanClaimWin() {
		return
	}
	g.mu.Lock()
	if g.claimed || g.status.Terminal() {
		g.mu.Unlock()
		return
	}
	g.claimed = true
	g.mu.Unlock()

	g.logger.Info("claim_victory")
	cctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := g.api.ClaimVictory(cctx, g.id); err != nil {
		g.logger.Warn("claim_victory_failed", zap.Error(err))
	}
}

// teardown forces a terminal status, logs the result, lets an in-flight move
// finish within the grace period and quits the engine.
func (g *Game) teardown(cancelMoves context.CancelFunc) {
	g.mu.Lock()
	if !g.status.Terminal() {
		g.status = lichess.StatusUnknownFinish
	}
	g.result = FormatResult(g.settings.Messages, g.id, g.status, g.winner, g.whiteName, g.blackName, g.board)
	status := g.status
	var opening string
	if g.board != nil {
		opening = g.board.OpeningName()
	}
	g.mu.Unlock()

	fields := []zap.Field{zap.String("result", g.result), zap.String("status", string(status))}
	if opening != "" {
		fields = append(fields, zap.String("opening", opening))
	}
	g.logger.Info("game_result", fields...)

	if !waitTimeout(&g.moves, g.settings.TeardownGrace) {
		g.logger.Warn("move_cancel", zap.Duration("grace", g.settings.TeardownGrace))
		cancelMoves()
		g.quitEngine()
		if !waitTimeout(&g.moves, 5*time.Second) {
			g.logger.Error("move_stuck")
		}
	}
	g.quitEngine()
}

func (g *Game) quitEngine() {
	g.quitOnce.Do(func() {
		if g.eng == nil {
			return
		}
		g.logger.Debug("engine_quit")
		if err := g.eng.Quit(5 * time.Second); err != nil {
			g.logger.Warn("engine_quit_failed", zap.Error(err))
		}
	})
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
