package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
)

const erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Token identifies an ERC-20 contract tracked in allocations.
type Token struct {
	Address  string
	Decimals int
}

// ChainOptions parameterise the on-chain portfolio fetcher.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Tokens maps symbols to ERC-20 contracts; native ETH is always read.
	Tokens map[string]Token
}

// Chain reads wallet balances over Ethereum RPC and weighs them with prices
// from a PriceSource.
type Chain struct {
	opts      ChainOptions
	prices    PriceSource
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds an on-chain portfolio fetcher.
func NewChain(opts ChainOptions, prices PriceSource, logger zerolog.Logger) *Chain {
	return &Chain{
		opts:   opts,
		prices: prices,
		logger: logger.With().Str("component", "portfolio_fetcher").Logger(),
	}
}

// FetchPortfolio retrieves the wallet's current allocation.
func (c *Chain) FetchPortfolio(ctx context.Context, wallet string) (Portfolio, error) {
	if c.opts.RPCURL == "" {
		return Portfolio{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(wallet) {
		return Portfolio{}, fmt.Errorf("invalid wallet address %q", wallet)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Portfolio{}, err
	}

	owner := common.HexToAddress(wallet)
	balances := make(map[string]decimal.Decimal, len(c.opts.Tokens)+1)

	ethWei, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return Portfolio{}, fmt.Errorf("fetch ETH balance: %w", err)
	}
	balances["ETH"] = decimal.NewFromBigInt(ethWei, -18)

	for _, symbol := range sortedSymbols(c.opts.Tokens) {
		token := c.opts.Tokens[symbol]
		amount, err := c.erc20Balance(ctx, client, token, owner)
		if err != nil {
			return Portfolio{}, fmt.Errorf("fetch %s balance: %w", symbol, err)
		}
		balances[symbol] = amount
	}

	symbols := make([]string, 0, len(balances))
	for symbol := range balances {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	prices, err := c.prices.Prices(ctx, symbols)
	if err != nil {
		return Portfolio{}, fmt.Errorf("fetch prices: %w", err)
	}

	usdValues := make(map[string]decimal.Decimal, len(balances))
	for symbol, amount := range balances {
		price, ok := prices[symbol]
		if !ok {
			return Portfolio{}, fmt.Errorf("no price for %s", symbol)
		}
		usdValues[symbol] = amount.Mul(price)
	}

	weights, total := drift.Normalize(usdValues)

	return Portfolio{
		Weights:       weights,
		Balances:      balances,
		PricesUSD:     prices,
		TotalValueUSD: total,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

func (c *Chain) erc20Balance(ctx context.Context, client *ethclient.Client, token Token, owner common.Address) (decimal.Decimal, error) {
	if !common.IsHexAddress(token.Address) {
		return decimal.Decimal{}, fmt.Errorf("invalid token contract address %q", token.Address)
	}

	payload, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Decimal{}, err
	}

	contract := common.HexToAddress(token.Address)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected balanceOf response")
	}

	atoms, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}

	return decimal.NewFromBigInt(atoms, int32(-token.Decimals)), nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func sortedSymbols(tokens map[string]Token) []string {
	symbols := make([]string, 0, len(tokens))
	for symbol := range tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

var _ PortfolioFetcher = (*Chain)(nil)
