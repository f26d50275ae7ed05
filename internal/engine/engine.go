// Package engine drives an external UCI engine process. One Engine belongs to
// exactly one game and runs at most one search at a time.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 10 * time.Second
	stopTimeout         = 5 * time.Second
	mateValue           = 30000
)

// ErrTerminated is returned when the engine process is gone or was shut down.
var ErrTerminated = errors.New("engine: process terminated")

// ErrUnresponsive is returned when a stopped search never produced its
// bestmove, so the engine's output can no longer be matched to a search.
var ErrUnresponsive = errors.New("engine: stopped search never answered")

// Score is an evaluation from the side to move's point of view.
type Score struct {
	CP     int
	Mate   int
	IsMate bool
}

// Centipawns folds mate scores into ±30000 minus the mate distance.
func (s Score) Centipawns() int {
	if !s.IsMate {
		return s.CP
	}
	switch {
	case s.Mate > 0:
		return mateValue - s.Mate
	case s.Mate < 0:
		return -mateValue - s.Mate
	default:
		return -mateValue
	}
}

func (s Score) String() string {
	if s.IsMate {
		return fmt.Sprintf("mate %d", s.Mate)
	}
	return fmt.Sprintf("cp %d", s.CP)
}

// Clock carries both sides' remaining time and increment.
type Clock struct {
	WTime, BTime time.Duration
	WInc, BInc   time.Duration
}

type SearchRequest struct {
	// FEN is the initial position; "" means startpos.
	FEN   string
	Moves []string
	// MoveTime, when positive, fixes the search time and Clock is ignored.
	MoveTime time.Duration
	Clock    Clock
}

type Result struct {
	BestMove string
	// Score is nil when the engine reported no evaluation.
	Score *Score
	Depth int
	PV    []string
	Nodes int64
	NPS   int64
	Time  time.Duration
}

type Engine struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	exited chan struct{}
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	search sync.Mutex

	name     string
	stopWait time.Duration
	// owed is set while a stopped search's bestmove has not been read yet.
	owed     bool
	quitOnce sync.Once
	quitErr  error
}

// Start launches path, performs the uci/isready handshake and applies options.
// The process is killed when ctx is canceled.
func Start(ctx context.Context, path string, options map[string]any, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, path)
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine %q: %w", path, err)
	}

	e := &Engine{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 256),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,

		stopWait: stopTimeout,
	}
	go e.pump(stdoutPipe)

	if err := e.initialize(ctx, options); err != nil {
		_ = e.Quit(time.Second)
		return nil, err
	}
	return e, nil
}

// pump is the only reader of stdout.
func (e *Engine) pump(r io.Reader) {
	defer close(e.exited)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			select {
			case e.lines <- s:
			case <-e.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) initialize(ctx context.Context, options map[string]any) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := e.send("uci"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	for {
		line, err := e.readLine(initCtx)
		if err != nil {
			return fmt.Errorf("wait uciok: %w", err)
		}
		if name, ok := strings.CutPrefix(line, "id name "); ok {
			e.name = name
		}
		if line == "uciok" {
			break
		}
	}

	for _, cmd := range optionCommands(options) {
		if err := e.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return e.awaitReady(initCtx)
}

func optionCommands(options map[string]any) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmds := make([]string, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, fmt.Sprintf("setoption name %s value %v", k, options[k]))
	}
	return cmds
}

func (e *Engine) awaitReady(ctx context.Context) error {
	if err := e.send("isready"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	for {
		line, err := e.readLine(ctx)
		if err != nil {
			return fmt.Errorf("wait readyok: %w", err)
		}
		if line == "readyok" {
			return nil
		}
	}
}

// Play searches the position and returns the best move. Canceling ctx stops
// the search; the engine's answer to stop is still consumed so the next
// search starts clean.
func (e *Engine) Play(ctx context.Context, req SearchRequest) (Result, error) {
	e.search.Lock()
	defer e.search.Unlock()

	if e.owed {
		if err := e.drainOwed(ctx); err != nil {
			return Result{}, err
		}
	}

	if err := e.send(buildPositionCommand(req.FEN, req.Moves)); err != nil {
		return Result{}, fmt.Errorf("send position: %w", err)
	}
	goCmd := buildGoCommand(req)
	if err := e.send(goCmd); err != nil {
		return Result{}, fmt.Errorf("send go: %w", err)
	}

	started := time.Now()
	var res Result
	stopped := false
	for {
		line, err := e.readLine(ctx)
		if err != nil {
			if errors.Is(err, ErrTerminated) {
				return Result{}, err
			}
			if stopped {
				e.owed = true
				e.logger.Warn("engine_stop_unanswered", zap.Duration("wait", e.stopWait))
				return Result{}, err
			}
			// ctx canceled: ask for a move and wait for it briefly
			stopped = true
			if serr := e.send("stop"); serr != nil {
				return Result{}, ErrTerminated
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), e.stopWait)
			ctx = stopCtx
			defer cancel()
			continue
		}
		switch {
		case strings.HasPrefix(line, "info "):
			parseInfo(line, &res)
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 || parts[1] == "(none)" || parts[1] == "0000" {
				return Result{}, fmt.Errorf("engine returned no move: %q", line)
			}
			res.BestMove = parts[1]
			if res.Time == 0 {
				res.Time = time.Since(started)
			}
			if stopped {
				return res, context.Canceled
			}
			return res, nil
		}
	}
}

// drainOwed discards output up to the bestmove of an earlier stopped search.
func (e *Engine) drainOwed(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, e.stopWait)
	defer cancel()
	for {
		line, err := e.readLine(dctx)
		if err != nil {
			if errors.Is(err, ErrTerminated) || ctx.Err() != nil {
				return err
			}
			return ErrUnresponsive
		}
		if strings.HasPrefix(line, "bestmove") {
			e.owed = false
			return nil
		}
	}
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return sb.String()
}

func buildGoCommand(req SearchRequest) string {
	if req.MoveTime > 0 {
		return "go movetime " + strconv.FormatInt(req.MoveTime.Milliseconds(), 10)
	}
	c := req.Clock
	return fmt.Sprintf("go wtime %d btime %d winc %d binc %d",
		max(c.WTime.Milliseconds(), 0), max(c.BTime.Milliseconds(), 0),
		max(c.WInc.Milliseconds(), 0), max(c.BInc.Milliseconds(), 0))
}

// parseInfo folds one info line into res. Lines for secondary multipv
// entries are ignored.
func parseInfo(line string, res *Result) {
	parts := strings.Fields(line)
	for i := 1; i < len(parts); i++ {
		next := func() string {
			if i+1 < len(parts) {
				i++
				return parts[i]
			}
			return ""
		}
		switch parts[i] {
		case "multipv":
			if v, err := strconv.Atoi(next()); err == nil && v != 1 {
				return
			}
		case "depth":
			if v, err := strconv.Atoi(next()); err == nil {
				res.Depth = v
			}
		case "nodes":
			if v, err := strconv.ParseInt(next(), 10, 64); err == nil {
				res.Nodes = v
			}
		case "nps":
			if v, err := strconv.ParseInt(next(), 10, 64); err == nil {
				res.NPS = v
			}
		case "time":
			if v, err := strconv.ParseInt(next(), 10, 64); err == nil {
				res.Time = time.Duration(v) * time.Millisecond
			}
		case "score":
			kind := next()
			v, err := strconv.Atoi(next())
			if err != nil {
				continue
			}
			switch kind {
			case "cp":
				res.Score = &Score{CP: v}
			case "mate":
				res.Score = &Score{Mate: v, IsMate: true}
			}
		case "pv":
			res.PV = append([]string(nil), parts[i+1:]...)
			return
		case "string":
			return
		}
	}
}

// Quit asks the engine to exit and kills it if it has not exited within grace.
// Only the first call has an effect; later calls return the same result.
func (e *Engine) Quit(grace time.Duration) error {
	e.quitOnce.Do(func() {
		_ = e.send("quit")
		close(e.done)
		e.mu.Lock()
		_ = e.stdin.Close()
		e.mu.Unlock()

		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-e.exited:
		case <-t.C:
			e.logger.Warn("engine_kill", zap.String("engine", e.name))
			if e.cmd.Process != nil {
				_ = e.cmd.Process.Kill()
			}
		}
		err := e.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			e.quitErr = err
		}
	})
	return e.quitErr
}

func (e *Engine) send(msg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := io.WriteString(e.stdin, msg+"\n")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTerminated, err)
	}
	return nil
}

func (e *Engine) readLine(ctx context.Context) (string, error) {
	select {
	case line := <-e.lines:
		return line, nil
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-e.lines:
		return line, nil
	case <-e.exited:
		// drain what the process wrote before exiting
		select {
		case line := <-e.lines:
			return line, nil
		default:
			return "", ErrTerminated
		}
	}
}
