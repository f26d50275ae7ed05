// Package board adapts corentings/chess to the needs of a live game: replaying
// the authoritative move list, rendering SAN, and answering draw questions.
package board

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrUnsupportedVariant is returned for variant keys lichess does not define.
var ErrUnsupportedVariant = errors.New("board: unsupported variant")

// ErrUntracked marks a board whose variant rules the rules library cannot
// follow. Such a board keeps the move list only.
var ErrUntracked = errors.New("board: variant not tracked by the rules library")

// engineVariants maps the lichess keys of engine-only variants to the
// UCI_Variant value multi-variant engines expect.
var engineVariants = map[string]string{
	"antichess":     "antichess",
	"atomic":        "atomic",
	"crazyhouse":    "crazyhouse",
	"horde":         "horde",
	"kingOfTheHill": "kingofthehill",
	"racingKings":   "racingkings",
	"threeCheck":    "3check",
}

// Tracked reports whether the rules library follows positions of variant.
func Tracked(variant string) bool {
	switch variant {
	case "standard", "fromPosition", "chess960":
		return true
	default:
		return false
	}
}

// Supported reports whether a game of variant can be played: tracked
// variants fully, the other lichess variants through the engine alone.
func Supported(variant string) bool {
	_, ok := engineVariants[variant]
	return ok || Tracked(variant)
}

// UCIVariant returns the UCI_Variant option value for engine-only variants.
func UCIVariant(variant string) (string, bool) {
	v, ok := engineVariants[variant]
	return v, ok
}

// Board is an immutable snapshot: an initial position plus the moves played
// from it. Replay builds a new Board instead of mutating this one.
type Board struct {
	variant    string
	initialFEN string
	moves      []string

	// game is nil once a move could not be followed by the rules library,
	// e.g. chess960 castling.
	game *chesslib.Game
	keys []string
	lost error
}

// New builds the board for variant from initialFEN ("" or "startpos" for the
// standard start) with no moves played.
func New(variant, initialFEN string) (*Board, error) {
	if !Supported(variant) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, variant)
	}
	fen := strings.TrimSpace(initialFEN)
	if fen == "startpos" {
		fen = ""
	}
	if !Tracked(variant) {
		return &Board{variant: variant, initialFEN: fen, lost: fmt.Errorf("%w: %s", ErrUntracked, variant)}, nil
	}
	if variant == "chess960" && fen != "" {
		fen = NormalizeCastling(fen)
	}
	game, err := newGame(fen)
	if err != nil {
		return nil, err
	}
	b := &Board{variant: variant, initialFEN: fen, game: game}
	b.keys = []string{positionKey(game.FEN())}
	return b, nil
}

func newGame(fen string) (*chesslib.Game, error) {
	if fen == "" {
		return chesslib.NewGame(), nil
	}
	option, err := chesslib.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return chesslib.NewGame(option), nil
}

// Replay returns a fresh board with moves applied from the initial position.
// A move the rules library rejects leaves the result untracked (see Lost);
// side to move and move counting stay correct. Boards of engine-only variants
// are always untracked.
func (b *Board) Replay(moves []string) (*Board, error) {
	if !Tracked(b.variant) {
		return &Board{
			variant:    b.variant,
			initialFEN: b.initialFEN,
			moves:      append([]string(nil), moves...),
			lost:       b.lost,
		}, nil
	}
	game, err := newGame(b.initialFEN)
	if err != nil {
		return nil, err
	}
	nb := &Board{
		variant:    b.variant,
		initialFEN: b.initialFEN,
		moves:      append([]string(nil), moves...),
		game:       game,
		keys:       []string{positionKey(game.FEN())},
	}
	for _, mv := range moves {
		if err := nb.push(mv); err != nil {
			nb.game = nil
			nb.keys = nil
			nb.lost = err
			break
		}
	}
	return nb, nil
}

func (b *Board) push(uci string) error {
	uci = b.NormalizeMove(uci)
	if err := b.game.PushNotationMove(uci, chesslib.UCINotation{}, nil); err != nil {
		return fmt.Errorf("apply move %q: %w", uci, err)
	}
	b.keys = append(b.keys, positionKey(b.game.FEN()))
	return nil
}

// NormalizeMove rewrites king-takes-rook castling into king-two-squares form.
func (b *Board) NormalizeMove(uci string) string {
	if b.variant == "chess960" || len(uci) != 4 || b.game == nil {
		return uci
	}
	switch uci {
	case "e1h1", "e1a1", "e8h8", "e8a8":
	default:
		return uci
	}
	piece := pieceAt(b.game.FEN(), uci[:2])
	if piece != 'K' && piece != 'k' {
		return uci
	}
	if uci[2] == 'h' {
		return uci[:2] + "g" + uci[3:]
	}
	return uci[:2] + "c" + uci[3:]
}

func (b *Board) Variant() string { return b.variant }

// Lost returns the move error that made the rules library drop the position.
func (b *Board) Lost() error { return b.lost }

// InitialFEN is "" for the standard start position.
func (b *Board) InitialFEN() string { return b.initialFEN }

func (b *Board) Moves() []string { return append([]string(nil), b.moves...) }

func (b *Board) Ply() int { return len(b.moves) }

// WhiteToMove derives the side to move from the initial FEN and move parity.
func (b *Board) WhiteToMove() bool {
	whiteFirst := fenField(b.startFEN(), 1) != "b"
	return whiteFirst == (len(b.moves)%2 == 0)
}

// FullmoveNumber is the move number of the position to be played.
func (b *Board) FullmoveNumber() int {
	start := b.startFEN()
	n, err := strconv.Atoi(fenField(start, 5))
	if err != nil || n < 1 {
		n = 1
	}
	offset := 0
	if fenField(start, 1) == "b" {
		offset = 1
	}
	return n + (len(b.moves)+offset)/2
}

// FEN of the current position, or "" when the rules library lost track.
func (b *Board) FEN() string {
	if b.game == nil {
		return ""
	}
	return b.game.FEN()
}

func (b *Board) startFEN() string {
	if b.initialFEN == "" {
		return StartFEN
	}
	return b.initialFEN
}

// SAN renders a UCI move in the current position, falling back to the input.
func (b *Board) SAN(uci string) string {
	if b.game == nil {
		return uci
	}
	pos := b.game.Position()
	mv, err := chesslib.UCINotation{}.Decode(pos, b.NormalizeMove(uci))
	if err != nil {
		return uci
	}
	return chesslib.AlgebraicNotation{}.Encode(pos, mv)
}

// LineSAN renders a principal variation from the current position. Rendering
// stops at the first move the rules library rejects.
func (b *Board) LineSAN(pv []string) []string {
	if b.game == nil {
		return append([]string(nil), pv...)
	}
	g := b.game.Clone()
	out := make([]string, 0, len(pv))
	for _, uci := range pv {
		pos := g.Position()
		mv, err := chesslib.UCINotation{}.Decode(pos, uci)
		if err != nil {
			break
		}
		out = append(out, chesslib.AlgebraicNotation{}.Encode(pos, mv))
		if err := g.Move(mv, nil); err != nil {
			break
		}
	}
	return out
}

// MoveLabel renders "<n>. <SAN>" or "<n>... <SAN>" for the move about to be played.
func (b *Board) MoveLabel(uci string) string {
	dots := "."
	if !b.WhiteToMove() {
		dots = "..."
	}
	return fmt.Sprintf("%d%s %s", b.FullmoveNumber(), dots, b.SAN(uci))
}

// Repetitions counts how often the current position has occurred.
func (b *Board) Repetitions() int {
	if len(b.keys) == 0 {
		return 0
	}
	return countKey(b.keys, b.keys[len(b.keys)-1])
}

// RepetitionsAfter counts how often the position after uci would have occurred,
// including that occurrence. It returns 0 when uci cannot be played.
func (b *Board) RepetitionsAfter(uci string) int {
	if b.game == nil {
		return 0
	}
	g := b.game.Clone()
	if err := g.PushNotationMove(b.NormalizeMove(uci), chesslib.UCINotation{}, nil); err != nil {
		return 0
	}
	return countKey(b.keys, positionKey(g.FEN())) + 1
}

// Legal reports whether uci can be played in the current position.
func (b *Board) Legal(uci string) bool {
	if b.game == nil {
		return true
	}
	return b.game.Clone().PushNotationMove(b.NormalizeMove(uci), chesslib.UCINotation{}, nil) == nil
}

func (b *Board) IsThreefold() bool { return b.Repetitions() >= 3 }

// IsFiftyMoves reports a halfmove clock of at least 100.
func (b *Board) IsFiftyMoves() bool {
	if b.game == nil {
		return false
	}
	n, err := strconv.Atoi(fenField(b.game.FEN(), 4))
	return err == nil && n >= 100
}

func (b *Board) IsStalemate() bool {
	return b.game != nil && strings.EqualFold(b.game.Method().String(), "stalemate")
}

// IsInsufficientMaterial covers bare kings, a single minor piece, and
// bishops that all stand on one square color.
func (b *Board) IsInsufficientMaterial() bool {
	if b.game == nil {
		return false
	}
	return insufficientMaterial(fenField(b.game.FEN(), 0))
}

// PolyglotKey is the Zobrist key used by polyglot books.
func (b *Board) PolyglotKey() (uint64, error) {
	if b.game == nil {
		return 0, errors.New("board: position unknown")
	}
	hashStr, err := chesslib.NewZobristHasher().HashPosition(b.game.FEN())
	if err != nil {
		return 0, fmt.Errorf("compute polyglot hash: %w", err)
	}
	return chesslib.ZobristHashToUint64(hashStr), nil
}

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

// OpeningName returns "<ECO> <title>" for standard games from the start position.
func (b *Board) OpeningName() string {
	if b.game == nil || b.variant != "standard" || b.initialFEN != "" {
		return ""
	}
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	eco := ecoBook.Find(b.game.Moves())
	if eco == nil {
		return ""
	}
	return strings.TrimSpace(eco.Code() + " " + eco.Title())
}
