package gtp2ogs

import (
	"fmt"
	"strconv"
	"strings"
)

// Color identifies a player.
type Color string

const (
	Black Color = "black"
	White Color = "white"
)

// Opponent returns the other color.
func (c Color) Opponent() Color {
	if c == Black {
		return White
	}
	return Black
}

// gtpColumns is the 25-letter GTP column alphabet. 'i' is omitted by
// convention to avoid confusion with 'j' and '1'.
const gtpColumns = "abcdefghjklmnopqrstuvwxyz"

// Move is a board coordinate. X counts columns from the left, Y counts
// rows from the top, both zero-based. A negative X encodes a pass.
type Move struct {
	X int
	Y int
}

// Pass is the pass move.
var Pass = Move{X: -1, Y: -1}

// IsPass reports whether the move is a pass.
func (m Move) IsPass() bool { return m.X < 0 }

// Vertex encodes the move as a GTP vertex for a board of the given
// height. GTP rows count from the bottom, so Y is flipped.
func (m Move) Vertex(height int) string {
	if m.IsPass() {
		return "pass"
	}
	return string(GTPColumn(m.X)) + strconv.Itoa(height - m.Y)
}

// GTPColumn returns the column letter for a zero-based column index.
// Panics on indexes outside the 25-column alphabet; boards are validated
// long before a move is encoded.
func GTPColumn(x int) byte {
	return gtpColumns[x]
}

// ColumnIndex returns the zero-based column index for a GTP column letter.
func ColumnIndex(c byte) (int, error) {
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	i := strings.IndexByte(gtpColumns, c)
	if i < 0 {
		return 0, fmt.Errorf("gtp2ogs: invalid GTP column %q", string(c))
	}
	return i, nil
}

// SGF encodes the move in the two-letter coordinate form the server's
// move submission expects. Unlike GTP vertices there is no 'i' gap and
// rows count from the top, so no flip is needed. A pass is "..".
func (m Move) SGF() string {
	if m.IsPass() {
		return ".."
	}
	return string([]byte{byte('a' + m.X), byte('a' + m.Y)})
}

// ParseVertex decodes a GTP vertex for a board of the given height.
// "pass" (any case) decodes to [Pass]. "resign" is not a vertex — the
// engine adapter layer handles it before decoding.
func ParseVertex(s string, height int) (Move, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "pass") {
		return Pass, nil
	}
	if len(s) < 2 {
		return Move{}, fmt.Errorf("gtp2ogs: invalid GTP vertex %q", s)
	}
	x, err := ColumnIndex(s[0])
	if err != nil {
		return Move{}, fmt.Errorf("gtp2ogs: invalid GTP vertex %q", s)
	}
	row, err := strconv.Atoi(s[1:])
	if err != nil || row < 1 || row > height {
		return Move{}, fmt.Errorf("gtp2ogs: invalid GTP vertex %q", s)
	}
	return Move{X: x, Y: height - row}, nil
}
