package game

import (
	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/msgcat"
)

// resultKey picks the catalog entry under "result." for a finished game.
// b is the final position and may be nil.
func resultKey(status lichess.Status, winner string, b *board.Board) string {
	if winner == "white" || winner == "black" {
		switch status {
		case lichess.StatusMate:
			return "checkmate"
		case lichess.StatusOutOfTime, lichess.StatusTimeout:
			return "out_of_time"
		case lichess.StatusResign:
			return "resign"
		default:
			return "win"
		}
	}
	switch status {
	case lichess.StatusDraw:
		switch {
		case b != nil && b.IsFiftyMoves():
			return "fifty_moves"
		case b != nil && b.IsThreefold():
			return "threefold"
		case b != nil && b.IsInsufficientMaterial():
			return "insufficient_material"
		default:
			return "agreement"
		}
	case lichess.StatusStalemate:
		return "stalemate"
	case lichess.StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// FormatResult renders the result line for a finished game. A nil catalog
// uses the built-in messages.
func FormatResult(cat *msgcat.Catalog, id string, status lichess.Status, winner, whiteName, blackName string, b *board.Board) string {
	if cat == nil {
		cat = msgcat.Default()
	}
	won, lost := whiteName, blackName
	if winner == "black" {
		won, lost = blackName, whiteName
	}
	key := resultKey(status, winner, b)
	msg, err := cat.Render("result."+key, map[string]string{"Winner": won, "Loser": lost})
	if err != nil {
		msg = key
	}
	line, err := cat.Render("result.line", map[string]string{"ID": id, "Message": msg})
	if err != nil {
		return id + " -- " + msg
	}
	return line
}
