package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// StartingFEN is the standard xiangqi starting position.
const StartingFEN = "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR w - - 0 1"

const (
	// MaxReviewMoves bounds the length of a reviewed game.
	MaxReviewMoves = 400

	// mateScoreCP is the centipawn value given to a forced mate.
	mateScoreCP = 10000
	// maxLossCP caps a single move's loss in the accuracy average.
	maxLossCP = 1000
)

// Move qualities, from best to worst.
const (
	QualityBrilliant  = "brilliant"
	QualityGood       = "good"
	QualityInaccuracy = "inaccuracy"
	QualityMistake    = "mistake"
	QualityBlunder    = "blunder"
)

// MistakeThresholds are the largest centipawn losses of each quality. A
// loss above Mistake is a blunder.
type MistakeThresholds struct {
	Brilliant  int `json:"brilliant"`
	Good       int `json:"good"`
	Inaccuracy int `json:"inaccuracy"`
	Mistake    int `json:"mistake"`
}

// DefaultMistakeThresholds returns default thresholds.
func DefaultMistakeThresholds() *MistakeThresholds {
	return &MistakeThresholds{
		Brilliant:  15,
		Good:       60,
		Inaccuracy: 150,
		Mistake:    300,
	}
}

// Classify returns the quality of a move losing lossCP centipawns.
func (t *MistakeThresholds) Classify(lossCP int) string {
	switch {
	case lossCP <= t.Brilliant:
		return QualityBrilliant
	case lossCP <= t.Good:
		return QualityGood
	case lossCP <= t.Inaccuracy:
		return QualityInaccuracy
	case lossCP <= t.Mistake:
		return QualityMistake
	default:
		return QualityBlunder
	}
}

// ReviewRequest is a game to review: a start position and the moves played
// from it.
type ReviewRequest struct {
	// FEN defaults to StartingFEN.
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`
	// Depth 0 uses the configured default depth.
	Depth int `json:"depth"`
}

// ReviewedMove is the verdict on one played move. Scores are centipawns
// from the mover's side.
type ReviewedMove struct {
	MoveNumber  int    `json:"moveNumber"`
	Side        string `json:"side"`
	Move        string `json:"move"`
	BestMove    string `json:"bestMove"`
	ScoreCP     int    `json:"scoreCP"`
	BestScoreCP int    `json:"bestScoreCP"`
	LossCP      int    `json:"lossCP"`
	Quality     string `json:"quality"`
}

// GameReview contains the analysis of an entire game.
type GameReview struct {
	FEN      string         `json:"fen"`
	Moves    []ReviewedMove `json:"moves"`
	Mistakes []ReviewedMove `json:"mistakes"`
	Summary  ReviewSummary  `json:"summary"`
}

// ReviewSummary provides overall game statistics.
type ReviewSummary struct {
	TotalMoves        int     `json:"totalMoves"`
	RedInaccuracies   int     `json:"redInaccuracies"`
	BlackInaccuracies int     `json:"blackInaccuracies"`
	RedMistakes       int     `json:"redMistakes"`
	BlackMistakes     int     `json:"blackMistakes"`
	RedBlunders       int     `json:"redBlunders"`
	BlackBlunders     int     `json:"blackBlunders"`
	RedAccuracy       float64 `json:"redAccuracy"`
	BlackAccuracy     float64 `json:"blackAccuracy"`
}

// Analyser runs batch searches.
type Analyser interface {
	Analyse(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)
}

// ReviewGame scores every move of a game by its centipawn loss against the
// engine's choice. Position i is searched as the start FEN plus the first i
// moves, so the search after a move is also the search before the next one.
// Any failed search fails the review.
func ReviewGame(ctx context.Context, a Analyser, req ReviewRequest, thresholds *MistakeThresholds) (*GameReview, error) {
	if thresholds == nil {
		thresholds = DefaultMistakeThresholds()
	}
	fen := strings.Join(strings.Fields(req.FEN), " ")
	if fen == "" {
		fen = StartingFEN
	}
	if len(req.Moves) == 0 {
		return nil, opError("review", fmt.Errorf("%w: no moves to review", ErrInvalidRequest))
	}
	if len(req.Moves) > MaxReviewMoves {
		return nil, opError("review", fmt.Errorf("%w: %d moves exceed the limit of %d", ErrInvalidRequest, len(req.Moves), MaxReviewMoves))
	}

	evaluate := func(ply int) (*AnalysisResult, int, error) {
		res, err := a.Analyse(ctx, AnalysisRequest{FEN: fen, Moves: req.Moves[:ply], Depth: req.Depth})
		if err != nil {
			return nil, 0, fmt.Errorf("position after %d moves: %w", ply, err)
		}
		return res, positionScore(res), nil
	}

	before, beforeScore, err := evaluate(0)
	if err != nil {
		return nil, err
	}

	review := &GameReview{
		FEN:      fen,
		Moves:    make([]ReviewedMove, 0, len(req.Moves)),
		Mistakes: []ReviewedMove{},
	}
	red := sideToMoveIsRed(fen)
	var redLosses, blackLosses []int

	for i, move := range req.Moves {
		after, afterScore, err := evaluate(i + 1)
		if err != nil {
			return nil, err
		}

		// afterScore is from the opponent's side
		played := -afterScore
		loss := beforeScore - played
		if loss < 0 {
			loss = 0
		}

		rm := ReviewedMove{
			MoveNumber:  i + 1,
			Side:        sideName(red),
			Move:        move,
			BestMove:    before.BestMove,
			ScoreCP:     played,
			BestScoreCP: beforeScore,
			LossCP:      loss,
			Quality:     thresholds.Classify(loss),
		}
		review.Moves = append(review.Moves, rm)
		tally(&review.Summary, red, rm.Quality)
		if rm.Quality == QualityMistake || rm.Quality == QualityBlunder {
			review.Mistakes = append(review.Mistakes, rm)
		}
		if red {
			redLosses = append(redLosses, loss)
		} else {
			blackLosses = append(blackLosses, loss)
		}

		before, beforeScore = after, afterScore
		red = !red
	}

	review.Summary.TotalMoves = len(req.Moves)
	review.Summary.RedAccuracy = accuracy(redLosses)
	review.Summary.BlackAccuracy = accuracy(blackLosses)
	return review, nil
}

// positionScore is the primary line's score in centipawns for the side to
// move. A position without a move is lost for the side to move.
func positionScore(res *AnalysisResult) int {
	line := res.Primary()
	if line == nil {
		if res.BestMove == "" {
			return -mateScoreCP
		}
		return 0
	}
	if line.ScoreMate != nil {
		m := *line.ScoreMate
		switch {
		case m > 0:
			return mateScoreCP - m
		case m < 0:
			return -mateScoreCP - m
		default:
			return -mateScoreCP
		}
	}
	return line.ScoreCP
}

// sideToMoveIsRed reads the active colour field; red moves first.
func sideToMoveIsRed(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) < 2 || fields[1] != "b"
}

func sideName(red bool) string {
	if red {
		return "red"
	}
	return "black"
}

func tally(s *ReviewSummary, red bool, quality string) {
	switch quality {
	case QualityInaccuracy:
		if red {
			s.RedInaccuracies++
		} else {
			s.BlackInaccuracies++
		}
	case QualityMistake:
		if red {
			s.RedMistakes++
		} else {
			s.BlackMistakes++
		}
	case QualityBlunder:
		if red {
			s.RedBlunders++
		} else {
			s.BlackBlunders++
		}
	}
}

// accuracy maps the average loss to 0..100, one third of a percent per
// centipawn, rounded to one decimal.
func accuracy(losses []int) float64 {
	if len(losses) == 0 {
		return 100
	}
	total := 0
	for _, l := range losses {
		if l > maxLossCP {
			l = maxLossCP
		}
		total += l
	}
	avg := float64(total) / float64(len(losses))
	acc := math.Max(0, math.Min(100, 100-avg/3))
	return math.Round(acc*10) / 10
}
