package bot

import (
	"fmt"
	"math"

	"github.com/zulandar/gemscout/internal/market"
	"github.com/zulandar/gemscout/internal/watchlist"
)

// tokenLabel picks the friendliest identifier for a token.
func tokenLabel(t market.Token) string {
	switch {
	case t.Symbol != "":
		return t.Symbol
	case t.Name != "":
		return t.Name
	}
	return t.Address
}

func chainLabel(chain string) string {
	if chain == "" {
		return "?"
	}
	return chain
}

// formatCandidate renders one entry of an ambiguous-match listing.
func formatCandidate(t market.Token, i int) string {
	return fmt.Sprintf("%d) %s %s (%s)\n   %s\n   liq %s, vol24 %s",
		i+1, t.Symbol, t.Name, chainLabel(t.Chain),
		t.Address,
		market.FormatUSD(t.LiquidityUSD, "unknown"),
		market.FormatUSD(t.Volume24hUSD, "unknown"))
}

// formatTrendingLine renders one /trending entry.
func formatTrendingLine(t market.Token, i int) string {
	chg := "?"
	if t.PriceChange24hPct != nil {
		chg = fmt.Sprintf("%d%%", int(math.Round(*t.PriceChange24hPct)))
	}
	return fmt.Sprintf("%d) %s (%s) liq %s vol24 %s chg24 %s\n   /gem %s",
		i+1, t.Symbol, chainLabel(t.Chain),
		market.FormatUSD(t.LiquidityUSD, "?"),
		market.FormatUSD(t.Volume24hUSD, "?"),
		chg, t.Address)
}

// formatWatchItem renders one /watch list entry.
func formatWatchItem(item watchlist.Item, i int) string {
	label := item.Symbol
	if label == "" {
		label = item.Name
	}
	if label == "" {
		label = "(unknown)"
	}
	last := "never"
	if item.LastCheckedAt != nil {
		last = item.LastCheckedAt.Format("2006-01-02 15:04 MST")
	}
	liq, vol := "?", "?"
	if item.LastSnapshot != nil {
		liq = market.FormatUSD(item.LastSnapshot.LiquidityUSD, "?")
		vol = market.FormatUSD(item.LastSnapshot.Volume24hUSD, "?")
	}
	return fmt.Sprintf("%d) %s (%s)\n   %s\n   liq %s vol24 %s last checked: %s",
		i+1, label, chainLabel(item.Chain), item.Address, liq, vol, last)
}

// mergeSnapshot overlays fresh snapshot stats onto a resolved token,
// keeping resolver values where the snapshot is missing a field.
func mergeSnapshot(t market.Token, snap *market.Snapshot) market.Token {
	if snap == nil {
		return t
	}
	merged := t
	if snap.PriceUSD != "" {
		merged.PriceUSD = snap.PriceUSD
	}
	if snap.LiquidityUSD != nil {
		merged.LiquidityUSD = snap.LiquidityUSD
	}
	if snap.Volume24hUSD != nil {
		merged.Volume24hUSD = snap.Volume24hUSD
	}
	if snap.PriceChange24hPct != nil {
		merged.PriceChange24hPct = snap.PriceChange24hPct
	}
	if snap.FDV != nil {
		merged.FDV = snap.FDV
	}
	if snap.MarketCap != nil {
		merged.MarketCap = snap.MarketCap
	}
	if snap.PairCreatedAt != nil {
		merged.PairCreatedAt = snap.PairCreatedAt
	}
	return merged
}

// tokenData is the JSON shape embedded in the scorecard prompt.
func tokenData(t market.Token) map[string]any {
	var created any
	if t.PairCreatedAt != nil {
		created = t.PairCreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return map[string]any{
		"chain":             t.Chain,
		"address":           t.Address,
		"symbol":            t.Symbol,
		"name":              t.Name,
		"dexId":             t.DexID,
		"liquidityUsd":      t.LiquidityUSD,
		"volume24hUsd":      t.Volume24hUSD,
		"priceUsd":          t.PriceUSD,
		"priceChange24hPct": t.PriceChange24hPct,
		"fdv":               t.FDV,
		"marketCap":         t.MarketCap,
		"pairCreatedAt":     created,
		"url":               t.URL,
	}
}
