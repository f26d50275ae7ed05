// Package book consults polyglot opening books configured per variant.
package book

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	chesslib "github.com/corentings/chess/v2"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/config"
)

type Selection string

const (
	WeightedRandom Selection = "weighted_random"
	UniformRandom  Selection = "uniform_random"
	BestMove       Selection = "best_move"
)

// Entry is one book move for a position.
type Entry struct {
	Move   string
	Weight uint16
}

// Pick is the move chosen by Library.Pick.
type Pick struct {
	Move   string
	Weight uint16
	Source string
}

type source struct {
	path string
	book *chesslib.PolyglotBook
}

// Library holds the loaded books. It is safe for concurrent use.
type Library struct {
	enabled   bool
	depth     int
	selection Selection
	variants  map[string][]source

	mu  sync.Mutex
	rng *rand.Rand
}

// Load opens every configured book file. A disabled config yields a Library
// that never picks a move.
func Load(cfg config.BooksConfig) (*Library, error) {
	l := &Library{
		enabled:   cfg.Enabled,
		depth:     cfg.Depth,
		selection: Selection(cfg.Selection),
		variants:  make(map[string][]source),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if !cfg.Enabled {
		return l, nil
	}
	for variant, paths := range cfg.Paths {
		for _, p := range paths {
			bk, err := LoadFromPath(p)
			if err != nil {
				return nil, err
			}
			l.variants[variant] = append(l.variants[variant], source{path: p, book: bk})
		}
	}
	return l, nil
}

func LoadFromPath(bookPath string) (*chesslib.PolyglotBook, error) {
	if strings.TrimSpace(bookPath) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(bookPath)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", bookPath, err)
	}
	defer file.Close()

	bk, err := chesslib.LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", bookPath, err)
	}
	return bk, nil
}

// WithRand replaces the random source; used for deterministic selection.
func (l *Library) WithRand(r *rand.Rand) *Library {
	l.mu.Lock()
	l.rng = r
	l.mu.Unlock()
	return l
}

func (l *Library) sources(variant string) []source {
	if srcs, ok := l.variants[variant]; ok {
		return srcs
	}
	if variant == "fromPosition" {
		return l.variants["standard"]
	}
	return nil
}

// Pick returns a book move for b, trying sources in configured order. A move
// that would produce a third occurrence of its position is rejected and the
// next source is tried.
func (l *Library) Pick(b *board.Board) (Pick, bool) {
	if l == nil || !l.enabled || b.FullmoveNumber() > l.depth {
		return Pick{}, false
	}
	srcs := l.sources(b.Variant())
	if len(srcs) == 0 {
		return Pick{}, false
	}
	key, err := b.PolyglotKey()
	if err != nil {
		return Pick{}, false
	}
	for _, src := range srcs {
		entries := lookup(src.book, key)
		if len(entries) == 0 {
			continue
		}
		choice := l.choose(entries)
		move := b.NormalizeMove(choice.Move)
		if !b.Legal(move) || b.RepetitionsAfter(move) >= 3 {
			continue
		}
		return Pick{Move: move, Weight: choice.Weight, Source: src.path}, true
	}
	return Pick{}, false
}

func lookup(bk *chesslib.PolyglotBook, key uint64) []Entry {
	found := bk.FindMoves(key)
	out := make([]Entry, 0, len(found))
	for _, e := range found {
		mv := chesslib.DecodeMove(e.Move).ToMove()
		out = append(out, Entry{Move: mv.String(), Weight: e.Weight})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

func (l *Library) choose(entries []Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.selection {
	case UniformRandom:
		return entries[l.rng.Intn(len(entries))]
	case BestMove:
		return entries[0]
	default:
		return selectWeighted(entries, l.rng)
	}
}

// selectWeighted picks proportionally to weight; zero total falls back to the first entry.
func selectWeighted(entries []Entry, r *rand.Rand) Entry {
	if len(entries) == 0 {
		return Entry{}
	}
	if r == nil {
		return entries[0]
	}
	total := 0
	for _, e := range entries {
		total += int(e.Weight)
	}
	if total <= 0 {
		return entries[0]
	}
	roll := r.Intn(total)
	cumulative := 0
	for _, e := range entries {
		cumulative += int(e.Weight)
		if roll < cumulative {
			return e
		}
	}
	return entries[len(entries)-1]
}
