package board

import (
	"strings"
	"unicode"
)

func fenField(fen string, i int) string {
	fields := strings.Fields(fen)
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// positionKey keeps placement, side to move, castling and en passant.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func countKey(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}

// pieceAt returns the FEN letter on square (e.g. "e1"), or 0 when empty.
func pieceAt(fen, square string) byte {
	if len(square) != 2 {
		return 0
	}
	file := int(square[0] - 'a')
	rank := int(square[1] - '1')
	rows := strings.Split(fenField(fen, 0), "/")
	if len(rows) != 8 || file < 0 || file > 7 || rank < 0 || rank > 7 {
		return 0
	}
	col := 0
	for i := 0; i < len(rows[7-rank]); i++ {
		c := rows[7-rank][i]
		if c >= '1' && c <= '8' {
			col += int(c - '0')
			continue
		}
		if col == file {
			return c
		}
		col++
	}
	return 0
}

// NormalizeCastling converts Shredder/X-FEN castling letters (file letters)
// into KQkq relative to the king's file.
func NormalizeCastling(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 3 || fields[2] == "-" {
		return fen
	}
	rows := strings.Split(fields[0], "/")
	if len(rows) != 8 {
		return fen
	}
	whiteKing := kingFile(rows[7], 'K')
	blackKing := kingFile(rows[0], 'k')

	var b strings.Builder
	for _, r := range fields[2] {
		switch {
		case r >= 'A' && r <= 'H':
			if int(r-'A') > whiteKing {
				b.WriteRune('K')
			} else {
				b.WriteRune('Q')
			}
		case r >= 'a' && r <= 'h':
			if int(r-'a') > blackKing {
				b.WriteRune('k')
			} else {
				b.WriteRune('q')
			}
		default:
			b.WriteRune(r)
		}
	}
	fields[2] = dedupeCastling(b.String())
	return strings.Join(fields, " ")
}

func kingFile(row string, king byte) int {
	col := 0
	for i := 0; i < len(row); i++ {
		c := row[i]
		if c >= '1' && c <= '8' {
			col += int(c - '0')
			continue
		}
		if c == king {
			return col
		}
		col++
	}
	return 4
}

func dedupeCastling(s string) string {
	var out strings.Builder
	for _, want := range "KQkq" {
		if strings.ContainsRune(s, want) {
			out.WriteRune(want)
		}
	}
	if out.Len() == 0 {
		return "-"
	}
	return out.String()
}

func insufficientMaterial(placement string) bool {
	var minors, bishopsLight, bishopsDark int
	rows := strings.Split(placement, "/")
	for ri, row := range rows {
		col := 0
		for _, c := range row {
			if unicode.IsDigit(c) {
				col += int(c - '0')
				continue
			}
			switch unicode.ToLower(c) {
			case 'k':
			case 'n':
				minors++
			case 'b':
				minors++
				if (ri+col)%2 == 0 {
					bishopsLight++
				} else {
					bishopsDark++
				}
			default:
				return false
			}
			col++
		}
	}
	if minors <= 1 {
		return true
	}
	// only bishops, all on one color
	return bishopsLight+bishopsDark == minors && (bishopsLight == 0 || bishopsDark == 0)
}
