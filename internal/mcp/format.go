package mcp

import (
	"fmt"
	"strings"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

// FormatAnalysis renders a result as plain text for the client.
func FormatAnalysis(res *engine.AnalysisResult) string {
	var b strings.Builder

	if res.BestMove == "" {
		b.WriteString("No legal move: the side to move is mated or stalemated\n")
	} else {
		fmt.Fprintf(&b, "Best move: %s", res.BestMove)
		if res.Ponder != "" {
			fmt.Fprintf(&b, " (expected reply %s)", res.Ponder)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Depth: %d\n", res.Depth)

	if len(res.Lines) == 0 {
		return b.String()
	}
	b.WriteString("\nVariations:\n")
	for _, line := range res.Lines {
		fmt.Fprintf(&b, "%d. %s", line.MultiPV, formatScore(&line))
		if line.WDL != nil {
			fmt.Fprintf(&b, " W/D/L %.1f%%/%.1f%%/%.1f%%",
				float64(line.WDL.Win)/10, float64(line.WDL.Draw)/10, float64(line.WDL.Loss)/10)
		}
		fmt.Fprintf(&b, " depth %d: %s\n", line.Depth, strings.Join(line.PV, " "))
	}
	return b.String()
}

func formatScore(v *uci.Variation) string {
	if v.IsMate() {
		m := *v.ScoreMate
		if m < 0 {
			return fmt.Sprintf("mated in %d", -m)
		}
		return fmt.Sprintf("mate in %d", m)
	}
	return fmt.Sprintf("%+.2f", float64(v.ScoreCP)/100)
}

// FormatReview renders a game review as plain text.
func FormatReview(review *engine.GameReview) string {
	var b strings.Builder
	sum := review.Summary

	fmt.Fprintf(&b, "Game review (%d moves)\n\n", sum.TotalMoves)
	fmt.Fprintf(&b, "Red:   accuracy %.1f%%, %d inaccuracies, %d mistakes, %d blunders\n",
		sum.RedAccuracy, sum.RedInaccuracies, sum.RedMistakes, sum.RedBlunders)
	fmt.Fprintf(&b, "Black: accuracy %.1f%%, %d inaccuracies, %d mistakes, %d blunders\n",
		sum.BlackAccuracy, sum.BlackInaccuracies, sum.BlackMistakes, sum.BlackBlunders)

	if len(review.Mistakes) == 0 {
		b.WriteString("\nNo mistakes found.\n")
		return b.String()
	}
	b.WriteString("\nMistakes:\n")
	for _, m := range review.Mistakes {
		fmt.Fprintf(&b, "%d. %s %s: %s, loses %.2f (best was %s)\n",
			m.MoveNumber, m.Side, m.Move, m.Quality, float64(m.LossCP)/100, bestMoveText(m.BestMove))
	}
	return b.String()
}

func bestMoveText(move string) string {
	if move == "" {
		return "none"
	}
	return move
}
