package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const simplePricePath = "/simple/price"

// Quote is one symbol's raw market observation.
type Quote struct {
	PriceUSD     decimal.Decimal
	Change24hPct float64
	Volume24hUSD float64
}

// QuoteFetcher retrieves raw market factors for a set of symbols.
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// Known CoinGecko ids for the symbols we track. Symbols without a mapping
// are passed through lowercased.
var coingeckoIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"USDC": "usd-coin",
	"USDT": "tether",
	"LINK": "chainlink",
	"BTC":  "bitcoin",
	"WBTC": "wrapped-bitcoin",
	"DAI":  "dai",
}

// FeedOptions parameterise the market-data feed client.
type FeedOptions struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Feed fetches prices and 24h factors from a CoinGecko-compatible API.
type Feed struct {
	opts    FeedOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewFeed constructs a market-data feed client.
func NewFeed(opts FeedOptions, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 0.5
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &Feed{
		opts:    opts,
		logger:  logger.With().Str("component", "market_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		baseURL: baseURL,
	}
}

// FetchQuotes retrieves price, 24h change, and 24h volume per symbol.
func (f *Feed) FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols configured")
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed rate limit wait: %w", err)
	}

	ids := make([]string, 0, len(symbols))
	idToSymbol := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		id := coingeckoIDs[strings.ToUpper(symbol)]
		if id == "" {
			id = strings.ToLower(symbol)
		}
		ids = append(ids, id)
		idToSymbol[id] = strings.ToUpper(symbol)
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")
	query.Set("include_24hr_vol", "true")

	endpoint := f.baseURL + simplePricePath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market feed error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	// {"ethereum":{"usd":2000.5,"usd_24h_change":-3.2,"usd_24h_vol":1.2e9}, ...}
	var raw map[string]map[string]float64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode feed payload: %w", err)
	}

	quotes := make(map[string]Quote, len(raw))
	for id, fields := range raw {
		symbol, ok := idToSymbol[id]
		if !ok {
			continue
		}
		price, ok := fields["usd"]
		if !ok {
			continue
		}
		quotes[symbol] = Quote{
			PriceUSD:     decimal.NewFromFloat(price),
			Change24hPct: fields["usd_24h_change"],
			Volume24hUSD: fields["usd_24h_vol"],
		}
	}

	if len(quotes) == 0 {
		return nil, errors.New("feed returned no usable quotes")
	}

	return quotes, nil
}

// Prices returns USD prices per symbol, satisfying the portfolio fetcher's
// price source contract.
func (f *Feed) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	quotes, err := f.FetchQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(quotes))
	for symbol, q := range quotes {
		prices[symbol] = q.PriceUSD
	}
	return prices, nil
}

var _ QuoteFetcher = (*Feed)(nil)
