package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zorgspace/slashbot-web/internal/config"
)

// SOLMint is the wrapped SOL mint used as the quote input.
const SOLMint = "So11111111111111111111111111111111111111112"

// TokenSymbol identifies the platform token's pairs on DEX aggregators.
const TokenSymbol = "SLASHBOT"

const maxOracleBody = 1 << 20

var errNoQuote = errors.New("no usable quote")

// HTTPOracle fetches quotes from public price APIs: CoinGecko for SOL/USD,
// Jupiter for token/SOL with DexScreener as the fallback.
type HTTPOracle struct {
	client         *http.Client
	solUSDURL      string
	jupiterURL     string
	dexScreenerURL string
	mint           string
	decimals       int
}

// NewHTTPOracle builds an oracle quoting mint, a token with the given decimals.
func NewHTTPOracle(cfg *config.PricingConfig, mint string, decimals int) *HTTPOracle {
	timeout := cfg.OracleTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		client:         &http.Client{Timeout: timeout},
		solUSDURL:      cfg.SolUSDURL,
		jupiterURL:     cfg.JupiterQuoteURL,
		dexScreenerURL: cfg.DexScreenerURL,
		mint:           mint,
		decimals:       decimals,
	}
}

// SolUSD implements SolUSDOracle.
func (o *HTTPOracle) SolUSD(ctx context.Context) (float64, error) {
	body, err := o.get(ctx, o.solUSDURL)
	if err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}
	price := gjson.GetBytes(body, "solana.usd").Float()
	if !usable(price) {
		return 0, fmt.Errorf("coingecko: %w", errNoQuote)
	}
	return price, nil
}

// TokenSOL implements TokenSOLOracle.
func (o *HTTPOracle) TokenSOL(ctx context.Context) (float64, error) {
	price, jupErr := o.jupiterTokenSOL(ctx)
	if jupErr == nil {
		return price, nil
	}
	price, dexErr := o.dexScreenerTokenSOL(ctx)
	if dexErr == nil {
		return price, nil
	}
	return 0, errors.Join(jupErr, dexErr)
}

// jupiterTokenSOL quotes a 1 SOL swap into the token.
func (o *HTTPOracle) jupiterTokenSOL(ctx context.Context) (float64, error) {
	u, err := url.Parse(o.jupiterURL)
	if err != nil {
		return 0, fmt.Errorf("jupiter: %w", err)
	}
	q := u.Query()
	q.Set("inputMint", SOLMint)
	q.Set("outputMint", o.mint)
	q.Set("amount", "1000000000")
	q.Set("slippageBps", "50")
	u.RawQuery = q.Encode()

	body, err := o.get(ctx, u.String())
	if err != nil {
		return 0, fmt.Errorf("jupiter: %w", err)
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.String() != "" {
		return 0, fmt.Errorf("jupiter: %s", e.String())
	}
	out, err := strconv.ParseFloat(gjson.GetBytes(body, "outAmount").String(), 64)
	if err != nil || !usable(out) {
		return 0, fmt.Errorf("jupiter: %w", errNoQuote)
	}
	tokensPerSOL := out / math.Pow10(o.decimals)
	return 1 / tokensPerSOL, nil
}

func (o *HTTPOracle) dexScreenerTokenSOL(ctx context.Context) (float64, error) {
	body, err := o.get(ctx, o.dexScreenerURL+o.mint)
	if err != nil {
		return 0, fmt.Errorf("dexscreener: %w", err)
	}

	var pair gjson.Result
	gjson.GetBytes(body, "pairs").ForEach(func(_, p gjson.Result) bool {
		if p.Get("baseToken.symbol").String() == TokenSymbol || p.Get("priceNative").String() != "" {
			pair = p
			return false
		}
		return true
	})
	if !pair.Exists() {
		return 0, fmt.Errorf("dexscreener: %w", errNoQuote)
	}

	if native := pair.Get("priceNative").Float(); usable(native) {
		return native, nil
	}
	if usd := pair.Get("priceUsd").Float(); usable(usd) {
		solUSD, err := o.SolUSD(ctx)
		if err != nil {
			return 0, fmt.Errorf("dexscreener: %w", err)
		}
		return usd / solUSD, nil
	}
	return 0, fmt.Errorf("dexscreener: %w", errNoQuote)
}

func (o *HTTPOracle) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxOracleBody))
}
