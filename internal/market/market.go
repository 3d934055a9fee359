// Package market queries public DexScreener endpoints for token pairs.
// All data is best-effort: callers must tolerate missing fields and label
// them clearly in user-facing output.
package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the public DexScreener API root.
const DefaultBaseURL = "https://api.dexscreener.com"

// Default client knobs.
const (
	defaultTimeout = 15 * time.Second
	defaultRetries = 2
)

// Sentinel errors for resolution failures.
var (
	ErrEmptyQuery     = errors.New("market: empty query")
	ErrNoMatches      = errors.New("market: no matches")
	ErrMissingAddress = errors.New("market: missing address")
	ErrNoSnapshot     = errors.New("market: no snapshot available")
)

// AmbiguousError reports a query that matched several tokens. Candidates
// are ranked by liquidity then 24h volume, best first.
type AmbiguousError struct {
	Candidates []Token
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("market: ambiguous query (%d candidates)", len(e.Candidates))
}

// Token is a resolved token pair, mapped from a DexScreener pair object.
// Numeric pointers are nil when the source omitted the field.
type Token struct {
	Chain             string
	Address           string
	Symbol            string
	Name              string
	DexID             string
	PairAddress       string
	URL               string
	PriceUSD          string
	LiquidityUSD      *float64
	Volume24hUSD      *float64
	PriceChange24hPct *float64
	FDV               *float64
	MarketCap         *float64
	PairCreatedAt     *time.Time
}

// Snapshot is a token's market state at a point in time.
type Snapshot struct {
	Token
	At time.Time
}

// Client queries DexScreener. Safe for concurrent use.
type Client struct {
	rc *resty.Client
}

// ClientOpts holds parameters for creating a market Client.
type ClientOpts struct {
	BaseURL string // defaults to DefaultBaseURL; tests point this at a local server
	Timeout time.Duration
	Retries int
}

// NewClient creates a market data client with bounded timeout and retries
// on 429/5xx and transport errors.
func NewClient(opts ClientOpts) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	if retries < 0 {
		retries = defaultRetries
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(350 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", "gemscout/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			s := r.StatusCode()
			return s == http.StatusTooManyRequests || (s >= 500 && s <= 504)
		})
	return &Client{rc: rc}
}

// wire structs for DexScreener responses.
type pairsResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	URL         string `json:"url"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
		Name    string `json:"name"`
	} `json:"baseToken"`
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD *float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 *float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 *float64 `json:"h24"`
	} `json:"priceChange"`
	FDV           *float64 `json:"fdv"`
	MarketCap     *float64 `json:"marketCap"`
	PairCreatedAt int64    `json:"pairCreatedAt"`
}

// mapPair converts a wire pair to a Token.
func mapPair(p dexPair) Token {
	t := Token{
		Chain:             strings.ToLower(p.ChainID),
		Address:           p.BaseToken.Address,
		Symbol:            p.BaseToken.Symbol,
		Name:              p.BaseToken.Name,
		DexID:             p.DexID,
		PairAddress:       p.PairAddress,
		URL:               p.URL,
		PriceUSD:          p.PriceUSD,
		LiquidityUSD:      p.Liquidity.USD,
		Volume24hUSD:      p.Volume.H24,
		PriceChange24hPct: p.PriceChange.H24,
		FDV:               p.FDV,
		MarketCap:         p.MarketCap,
	}
	if p.PairCreatedAt > 0 {
		created := time.UnixMilli(p.PairCreatedAt)
		t.PairCreatedAt = &created
	}
	return t
}

var (
	evmAddressRe    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	base58AddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// isProbablyAddress reports whether q looks like an EVM or Solana address.
func isProbablyAddress(q string) bool {
	return evmAddressRe.MatchString(q) || base58AddressRe.MatchString(q)
}

// NormalizeChain maps common chain aliases to DexScreener chain IDs.
func NormalizeChain(chain string) string {
	switch strings.ToLower(strings.TrimSpace(chain)) {
	case "":
		return ""
	case "eth", "ethereum":
		return "ethereum"
	case "sol", "solana":
		return "solana"
	case "bsc", "bnb", "binance":
		return "bsc"
	case "polygon", "matic":
		return "polygon"
	case "base":
		return "base"
	case "arbitrum", "arb":
		return "arbitrum"
	default:
		return strings.ToLower(strings.TrimSpace(chain))
	}
}

// fetchPairs runs one GET and maps the pair list.
func (c *Client) fetchPairs(ctx context.Context, path string, query map[string]string) ([]Token, error) {
	var body pairsResponse
	req := c.rc.R().SetContext(ctx).SetResult(&body)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("market: fetch %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("market: fetch %s: HTTP_%d", path, resp.StatusCode())
	}
	tokens := make([]Token, 0, len(body.Pairs))
	for _, p := range body.Pairs {
		tokens = append(tokens, mapPair(p))
	}
	return tokens, nil
}

// rankTokens sorts by liquidity then 24h volume, best first.
func rankTokens(tokens []Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		li, lj := deref(tokens[i].LiquidityUSD), deref(tokens[j].LiquidityUSD)
		if li != lj {
			return li > lj
		}
		return deref(tokens[i].Volume24hUSD) > deref(tokens[j].Volume24hUSD)
	})
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// dedupe drops tokens without an address and repeated (chain, address)
// pairs, keeping first occurrences.
func dedupe(tokens []Token) []Token {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if t.Address == "" {
			continue
		}
		k := t.Chain + ":" + t.Address
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Resolve looks a token up by symbol, name, or contract address. A unique
// match returns the token; several matches return an *AmbiguousError with
// up to 8 ranked candidates.
func (c *Client) Resolve(ctx context.Context, query, chainHint string) (*Token, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	chain := NormalizeChain(chainHint)

	var tokens []Token
	var err error
	if isProbablyAddress(q) {
		tokens, err = c.fetchPairs(ctx, "/latest/dex/tokens/"+q, nil)
	} else {
		tokens, err = c.fetchPairs(ctx, "/latest/dex/search/", map[string]string{"q": q})
	}
	if err != nil {
		return nil, err
	}

	if chain != "" {
		tokens = filterChain(tokens, chain)
	}
	tokens = dedupe(tokens)

	if len(tokens) == 0 {
		return nil, ErrNoMatches
	}
	if len(tokens) == 1 {
		return &tokens[0], nil
	}
	rankTokens(tokens)
	if len(tokens) > 8 {
		tokens = tokens[:8]
	}
	return nil, &AmbiguousError{Candidates: tokens}
}

func filterChain(tokens []Token, chain string) []Token {
	out := tokens[:0]
	for _, t := range tokens {
		if t.Chain == chain {
			out = append(out, t)
		}
	}
	return out
}

// FetchSnapshot returns the current market state for a token, preferring
// the most liquid pair on the requested chain.
func (c *Client) FetchSnapshot(ctx context.Context, chain, address string) (*Snapshot, error) {
	if address == "" {
		return nil, ErrMissingAddress
	}
	tokens, err := c.fetchPairs(ctx, "/latest/dex/tokens/"+address, nil)
	if err != nil {
		return nil, err
	}
	if chain != "" {
		if filtered := filterChain(append([]Token(nil), tokens...), NormalizeChain(chain)); len(filtered) > 0 {
			tokens = filtered
		}
	}
	rankTokens(tokens)
	if len(tokens) == 0 {
		return nil, ErrNoSnapshot
	}
	return &Snapshot{Token: tokens[0], At: time.Now()}, nil
}

// TrendingNote labels the best-effort nature of trending data.
const TrendingNote = "Best-effort from public DexScreener search."

// FetchTrending returns up to 10 active tokens ranked by 24h volume.
// DexScreener has no stable global trending endpoint, so this relies on a
// broad search that tends to surface active pairs.
func (c *Client) FetchTrending(ctx context.Context, chainHint string) ([]Token, error) {
	tokens, err := c.fetchPairs(ctx, "/latest/dex/search/", map[string]string{"q": "new"})
	if err != nil {
		return nil, err
	}
	if chain := NormalizeChain(chainHint); chain != "" {
		tokens = filterChain(tokens, chain)
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return deref(tokens[i].Volume24hUSD) > deref(tokens[j].Volume24hUSD)
	})
	if len(tokens) > 10 {
		tokens = tokens[:10]
	}
	return tokens, nil
}

// FormatUSD renders an optional dollar amount with thousands separators,
// or the fallback when the value is unknown.
func FormatUSD(v *float64, fallback string) string {
	if v == nil {
		return fallback
	}
	n := int64(*v + 0.5)
	neg := n < 0
	if neg {
		n = -n
	}
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}
