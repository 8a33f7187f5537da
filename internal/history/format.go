package history

import (
	"fmt"
	"strings"
)

// FormatContext renders the history bundle as the deterministic prose block
// embedded in entry prompts. Returns "" when there is nothing to say.
func FormatContext(ctx Context) string {
	if len(ctx.Recent) == 0 && ctx.Daily.Trades == 0 && ctx.Global.Trades == 0 {
		return ""
	}

	var b strings.Builder

	if len(ctx.Recent) > 0 {
		b.WriteString("Recent closed trades (newest first):\n")
		for _, t := range ctx.Recent {
			exitType := "?"
			pnlPct := 0.0
			if t.Exit != nil {
				exitType = t.Exit.Type
				pnlPct = t.Exit.PnLPercent
			}
			b.WriteString(fmt.Sprintf("- %s %s: %s via %s, pnl %.3f%% (entry %.2f, RSI %.1f, %dx)\n",
				t.Side, t.Symbol, t.Result, exitType, pnlPct, t.Entry.Price, t.Entry.RSI, t.Entry.Leverage))
		}
	}

	b.WriteString(fmt.Sprintf("Today: %d trades, %d wins, %d losses, win rate %.1f%%, realised pnl %.2f\n",
		ctx.Daily.Trades, ctx.Daily.Wins, ctx.Daily.Losses, ctx.Daily.WinRate, ctx.Daily.RealisedPnL))
	b.WriteString(fmt.Sprintf("All time: %d trades, win rate %.1f%%, realised pnl %.2f\n",
		ctx.Global.Trades, ctx.Global.WinRate, ctx.Global.RealisedPnL))

	for _, p := range ctx.Patterns {
		b.WriteString("Pattern: " + p + "\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
