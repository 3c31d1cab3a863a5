// SPDX-License-Identifier: MIT
// Dev: KryperAI

package server

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"xrouter/connector"
	"xrouter/core"
	"xrouter/types"
)

// AddConnector registers the wallet backend of c.Currency(), replacing any
// previous one. Every currency gets its own lock.
func (s *Server) AddConnector(c connector.Connector) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	cur := c.Currency()
	if old, ok := s.connectors[cur]; ok && old != c {
		old.Close()
	}
	s.connectors[cur] = c
	if _, ok := s.connLocks[cur]; !ok {
		s.connLocks[cur] = new(sync.Mutex)
	}
}

// LoadConnectors creates connectors for every wallet in settings. Wallets
// whose backend cannot be created are logged and skipped.
func (s *Server) LoadConnectors(settings *core.Settings) int {
	n := 0
	for _, w := range settings.Wallets() {
		c, err := connector.New(settings.Backend(w))
		if err != nil {
			logf("no connector for %s: %v", w, err)
			continue
		}
		s.AddConnector(c)
		n++
	}
	return n
}

// withConnector runs fn while holding the lock of currency.
func (s *Server) withConnector(currency string, fn func(connector.Connector) (string, error)) (string, error) {
	s.connMu.RLock()
	c, ok := s.connectors[currency]
	lock := s.connLocks[currency]
	s.connMu.RUnlock()
	if !ok || lock == nil {
		return "", types.NewError(types.BadConnector, "Internal Server Error: No connector for %s", currency)
	}
	lock.Lock()
	defer lock.Unlock()
	return fn(c)
}

func needParams(params []string, n int, what string) error {
	if len(params) < n {
		return types.NewError(types.InvalidParameters, "missing %s", what)
	}
	return nil
}

// parseBlockNumber accepts decimal or 0x prefixed hex heights.
func parseBlockNumber(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") {
		n, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, types.NewError(types.InvalidParameters, "Failed to parse hex into block number")
		}
		return int64(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, types.NewError(types.InvalidParameters, "Problem with the specified block number, is it a number?")
	}
	return int64(n), nil
}

// checkBatch validates the list of a GetBlocks or GetTransactions call.
func checkBatch(params []string, limit int, what, currency string) error {
	if len(params) == 0 {
		return types.NewError(types.BadRequest, "Missing %s hashes for %s", what, currency)
	}
	if limit >= 0 && len(params) > limit {
		return types.NewError(types.BadRequest, "Too many %ss requested for %s limit is %d received %d",
			what, currency, limit, len(params))
	}
	return nil
}

// walletCall executes one wallet command against the currency's backend.
func (s *Server) walletCall(ctx context.Context, settings *core.Settings, cmd types.Command, currency string, params []string) (string, error) {
	switch cmd {
	case types.GetBlockCount:
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetBlockCount(ctx)
		})
	case types.GetBlockHash:
		if err := needParams(params, 1, "block number"); err != nil {
			return "", err
		}
		n, err := parseBlockNumber(params[0])
		if err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetBlockHash(ctx, n)
		})
	case types.GetBlock:
		if err := needParams(params, 1, "block hash"); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetBlock(ctx, params[0])
		})
	case types.GetBlocks:
		if err := checkBatch(params, settings.CommandFetchLimit(cmd, currency, core.DefaultFetchLimit), "block", currency); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetBlocks(ctx, params)
		})
	case types.GetTransaction:
		if err := needParams(params, 1, "transaction hash"); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetTransaction(ctx, params[0])
		})
	case types.GetTransactions:
		if err := checkBatch(params, settings.CommandFetchLimit(cmd, currency, core.DefaultFetchLimit), "transaction", currency); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.GetTransactions(ctx, params)
		})
	case types.DecodeRawTransaction:
		if err := needParams(params, 1, "raw transaction"); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.DecodeRawTransaction(ctx, params[0])
		})
	case types.SendTransaction:
		if err := needParams(params, 1, "raw transaction"); err != nil {
			return "", err
		}
		return s.withConnector(currency, func(c connector.Connector) (string, error) {
			return c.SendTransaction(ctx, params[0])
		})
	}
	return "", types.NewError(types.UnsupportedService, "Unknown command %s", types.FQService(cmd, currency))
}
