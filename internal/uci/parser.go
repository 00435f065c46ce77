package uci

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnrecognized is returned by Parse for lines that carry nothing the
// session acts on. It is never fatal.
var ErrUnrecognized = errors.New("unrecognized protocol line")

// Kind classifies a parsed reply.
type Kind int

const (
	KindUnknown Kind = iota
	KindInfo
	KindBestMove
	KindUCIOK
	KindReadyOK
	KindID
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindBestMove:
		return "bestmove"
	case KindUCIOK:
		return "uciok"
	case KindReadyOK:
		return "readyok"
	case KindID:
		return "id"
	default:
		return "unknown"
	}
}

// WDL is the win/draw/loss estimate in permille from the side to move.
type WDL struct {
	Win  int `json:"win"`
	Draw int `json:"draw"`
	Loss int `json:"loss"`
}

// Variation is one principal variation report from a progress line.
type Variation struct {
	Depth     int      `json:"depth"`
	SelDepth  int      `json:"seldepth,omitempty"`
	MultiPV   int      `json:"multipv"`
	ScoreCP   int      `json:"score_cp"`
	ScoreMate *int     `json:"score_mate"`
	Bound     string   `json:"bound,omitempty"`
	WDL       *WDL     `json:"wdl"`
	Nodes     int64    `json:"nodes"`
	NPS       int64    `json:"nps"`
	TimeMS    int64    `json:"time_ms,omitempty"`
	HashFull  int      `json:"hashfull,omitempty"`
	PV        []string `json:"pv"`
}

// IsMate reports whether the score is a forced mate rather than centipawns.
func (v *Variation) IsMate() bool {
	return v.ScoreMate != nil
}

// BestMove is the terminal line of a search.
type BestMove struct {
	Move   string `json:"best_move"`
	Ponder string `json:"ponder,omitempty"`
}

// Reply is a classified engine line. Only the field matching Kind is set.
type Reply struct {
	Kind     Kind
	Info     *Variation
	BestMove *BestMove
	// IDKey and IDValue hold "id name ..." and "id author ..." lines.
	IDKey   string
	IDValue string
}

// Parse classifies one line of engine output.
func Parse(line string) (Reply, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Reply{}, ErrUnrecognized
	}

	switch tokens[0] {
	case "info":
		info, ok := parseInfo(tokens[1:])
		if !ok {
			return Reply{}, ErrUnrecognized
		}
		return Reply{Kind: KindInfo, Info: info}, nil
	case "bestmove":
		return Reply{Kind: KindBestMove, BestMove: parseBestMove(tokens[1:])}, nil
	case "uciok":
		return Reply{Kind: KindUCIOK}, nil
	case "readyok":
		return Reply{Kind: KindReadyOK}, nil
	case "id":
		if len(tokens) < 3 {
			return Reply{}, ErrUnrecognized
		}
		return Reply{Kind: KindID, IDKey: tokens[1], IDValue: strings.Join(tokens[2:], " ")}, nil
	}
	return Reply{}, ErrUnrecognized
}

// ParseInfo parses a progress line. ok is false when the line is not a
// progress report with a depth field.
func ParseInfo(line string) (*Variation, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return nil, false
	}
	return parseInfo(tokens[1:])
}

// ParseBestMove parses a terminal line. ok is false for any other line.
func ParseBestMove(line string) (*BestMove, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "bestmove" {
		return nil, false
	}
	return parseBestMove(tokens[1:]), true
}

func parseInfo(tokens []string) (*Variation, bool) {
	v := &Variation{MultiPV: 1}
	haveDepth := false

scan:
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "depth":
			n, ok := intAt(tokens, i+1)
			if !ok || n < 0 {
				// a depth key with a bad value is malformed, not absent
				return nil, false
			}
			v.Depth = n
			haveDepth = true
			i++
		case "seldepth":
			v.SelDepth, _ = intAt(tokens, i+1)
			i++
		case "multipv":
			if n, ok := intAt(tokens, i+1); ok && n > 0 {
				v.MultiPV = n
			}
			i++
		case "score":
			i += parseScore(tokens[i+1:], v)
		case "wdl":
			w, okW := intAt(tokens, i+1)
			d, okD := intAt(tokens, i+2)
			l, okL := intAt(tokens, i+3)
			if okW && okD && okL && w >= 0 && d >= 0 && l >= 0 {
				v.WDL = &WDL{Win: w, Draw: d, Loss: l}
				i += 3
			}
		case "nodes":
			v.Nodes, _ = int64At(tokens, i+1)
			i++
		case "nps":
			v.NPS, _ = int64At(tokens, i+1)
			i++
		case "time":
			v.TimeMS, _ = int64At(tokens, i+1)
			i++
		case "hashfull":
			v.HashFull, _ = intAt(tokens, i+1)
			i++
		case "pv":
			v.PV = append([]string(nil), tokens[i+1:]...)
			break scan
		case "string":
			break scan
		}
	}

	if !haveDepth {
		return nil, false
	}
	if v.PV == nil {
		v.PV = []string{}
	}
	return v, true
}

// parseScore consumes "cp N" or "mate N" and an optional bound flag. It
// returns the number of tokens used.
func parseScore(tokens []string, v *Variation) int {
	if len(tokens) < 2 {
		return 0
	}
	n, ok := intAt(tokens, 1)
	if !ok {
		return 1
	}
	used := 2
	switch tokens[0] {
	case "cp":
		v.ScoreCP = n
	case "mate":
		mate := n
		v.ScoreMate = &mate
		v.ScoreCP = 0
	default:
		return 0
	}
	if len(tokens) > 2 && (tokens[2] == "lowerbound" || tokens[2] == "upperbound") {
		v.Bound = tokens[2]
		used++
	}
	return used
}

func parseBestMove(tokens []string) *BestMove {
	bm := &BestMove{}
	if len(tokens) > 0 {
		bm.Move = tokens[0]
	}
	for i := 1; i+1 < len(tokens); i++ {
		if tokens[i] == "ponder" {
			bm.Ponder = tokens[i+1]
			break
		}
	}
	return bm
}

func intAt(tokens []string, i int) (int, bool) {
	if i >= len(tokens) {
		return 0, false
	}
	n, err := strconv.Atoi(tokens[i])
	if err != nil {
		return 0, false
	}
	return n, true
}

func int64At(tokens []string, i int) (int64, bool) {
	if i >= len(tokens) {
		return 0, false
	}
	n, err := strconv.ParseInt(tokens[i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
