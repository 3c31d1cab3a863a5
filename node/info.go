// SPDX-License-Identifier: MIT
// Dev: KryperAI

package node

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"xrouter/core"
	"xrouter/payment"
	"xrouter/types"
)

// CommandConfig describes one wallet command of a node.
type CommandConfig struct {
	Command        string  `json:"command"`
	Fee            float64 `json:"fee"`
	PaymentAddress string  `json:"paymentaddress"`
	RequestLimit   int     `json:"requestlimit"`
	FetchLimit     int     `json:"fetchlimit"`
	Timeout        int     `json:"timeout"`
	Disabled       bool    `json:"disabled"`
}

type WalletConfig struct {
	Wallet   string          `json:"spvwallet"`
	Commands []CommandConfig `json:"commands"`
}

type PluginConfig struct {
	Parameters     string  `json:"parameters"`
	Fee            float64 `json:"fee"`
	PaymentAddress string  `json:"paymentaddress"`
	RequestLimit   int     `json:"requestlimit"`
	FetchLimit     int     `json:"fetchlimit"`
	Timeout        int     `json:"timeout"`
	Disabled       bool    `json:"disabled"`
	Help           string  `json:"help,omitempty"`
}

// NodeConfig is the view of a service node's config returned to users.
type NodeConfig struct {
	NodePubkey     string                  `json:"nodepubkey"`
	Address        string                  `json:"address,omitempty"`
	Score          int                     `json:"score"`
	Banned         bool                    `json:"banned"`
	PaymentAddress string                  `json:"paymentaddress"`
	Wallets        []string                `json:"spvwallets"`
	WalletConfigs  []WalletConfig          `json:"spvconfigs"`
	FeeDefault     float64                 `json:"feedefault"`
	Fees           map[string]float64      `json:"fees"`
	Services       map[string]PluginConfig `json:"services"`
}

// Status is our own configuration as reported to the operator.
type Status struct {
	NodeConfig
	XRouter     bool              `json:"xrouter"`
	ServiceNode bool              `json:"servicenode"`
	Config      string            `json:"config"`
	Plugins     map[string]string `json:"plugins"`
}

func describe(cfg *core.Settings) NodeConfig {
	nc := NodeConfig{
		PaymentAddress: cfg.String("Main.paymentaddress", ""),
		Wallets:        cfg.Wallets(),
		FeeDefault:     cfg.DefaultFee(),
		Fees:           cfg.FeeSchedule(),
		Services:       make(map[string]PluginConfig),
	}
	for _, w := range nc.Wallets {
		wc := WalletConfig{Wallet: w}
		for _, cmd := range types.WalletCommands() {
			wc.Commands = append(wc.Commands, CommandConfig{
				Command:        cmd.String(),
				Fee:            cfg.CommandFee(cmd, w, 0),
				PaymentAddress: cfg.PaymentAddress(cmd, w),
				RequestLimit:   cfg.ClientRequestLimit(cmd, w, -1),
				FetchLimit:     cfg.CommandFetchLimit(cmd, w, core.DefaultFetchLimit),
				Timeout:        cfg.CommandTimeout(cmd, w, core.DefaultTimeout),
				Disabled:       !cfg.IsAvailableCommand(cmd, w),
			})
		}
		nc.WalletConfigs = append(nc.WalletConfigs, wc)
	}
	for _, name := range cfg.Plugins() {
		ps, _ := cfg.Plugin(name)
		nc.Services[name] = PluginConfig{
			Parameters:     strings.Join(ps.Parameters(), ","),
			Fee:            cfg.CommandFee(types.Service, name, 0),
			PaymentAddress: cfg.PaymentAddress(types.Service, name),
			RequestLimit:   cfg.ClientRequestLimit(types.Service, name, -1),
			FetchLimit:     cfg.CommandFetchLimit(types.Service, name, core.DefaultFetchLimit),
			Timeout:        cfg.CommandTimeout(types.Service, name, core.DefaultTimeout),
			Disabled:       ps.Disabled(),
			Help:           cfg.Help(types.Service, name),
		}
	}
	return nc
}

func (a *App) nodeConfig(addr types.PeerAddress, cfg *core.Settings) NodeConfig {
	nc := describe(cfg)
	n, _ := a.directory.Get(addr)
	nc.NodePubkey = n.Pubkey
	nc.Address = string(addr)
	nc.Score = a.scores.Get(addr)
	nc.Banned = a.peers.IsBanned(addr)
	if nc.PaymentAddress == "" {
		nc.PaymentAddress = n.PaymentAddress
	}
	return nc
}

// NodeConfigs renders every cached service node config.
func (a *App) NodeConfigs() string {
	all := a.configs.All()
	addrs := make([]types.PeerAddress, 0, len(all))
	for addr := range all {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	out := make([]NodeConfig, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, a.nodeConfig(addr, all[addr]))
	}
	return types.MustJSON(out)
}

// Status renders our own configuration. Private lines never appear.
func (a *App) Status() string {
	cfg := a.Settings()
	st := Status{
		NodeConfig:  describe(cfg),
		XRouter:     true,
		ServiceNode: a.server != nil,
		Config:      cfg.PublicText(),
		Plugins:     cfg.PublicPayload().Plugins,
	}
	st.NodePubkey = a.pubkey
	return types.MustJSON(st)
}

// parseServiceName checks a fully qualified service name such as
// "xr::BLOCK", "xr::BLOCK::xrGetBlock" or "xrs::Plugin".
func parseServiceName(fq string) (types.Command, string, error) {
	if _, ok := types.SplitService(fq); !ok {
		return types.Invalid, "", types.NewError(types.InvalidParameters,
			"Bad service name, acceptable characters [a-z A-Z 0-9 $ _ -] %s", fq)
	}
	if !types.HasWalletNamespace(fq) && !types.HasPluginNamespace(fq) {
		return types.Invalid, "", types.NewError(types.InvalidParameters,
			"Missing top-level namespace (xr:: or xrs::) Example xr::BLOCK or xrs::CustomServiceName")
	}
	cmd, name, err := types.ParseFQService(fq)
	if err != nil {
		return types.Invalid, "", types.NewError(types.InvalidParameters, "Unknown xr:: command %s", fq)
	}
	return cmd, name, nil
}

// Connect opens connections to count service nodes offering fq and
// returns their configs. Fees are not considered.
func (a *App) Connect(ctx context.Context, fq string, count int) (string, error) {
	cmd, name, err := parseServiceName(fq)
	if err != nil {
		return "", err
	}
	if count < 1 {
		count = 1
	}
	sel := selection{cmd: cmd, service: name, params: -1, maxFee: math.Inf(1)}
	ready := a.openConnections(ctx, sel, count)
	defer releaseAll(ready)
	if len(ready) < count {
		return "", types.NewError(types.NotEnoughNodes,
			"Failed to find %d service node(s) supporting %s with config limits, found %d", count, fq, len(ready))
	}
	out := make([]NodeConfig, 0, len(ready))
	for _, c := range ready {
		out = append(out, a.nodeConfig(c.addr(), c.config))
	}
	return types.MustJSON(out), nil
}

// OpenChannel funds a payment channel to the service node at addr. Later
// fees to that node are paid through the channel while it has funds.
func (a *App) OpenChannel(ctx context.Context, addr types.PeerAddress, deposit float64, ttl time.Duration) (*payment.Channel, error) {
	if a.payments == nil {
		return nil, types.NewError(types.InsufficientFunds, "no wallet to fund a channel from")
	}
	n, ok := a.directory.Get(addr)
	if !ok {
		return nil, types.NewError(types.BadAddress, "unknown service node %s", addr)
	}
	payTo := n.PaymentAddress
	if cfg, ok := a.configs.Get(addr); ok {
		if pa := cfg.String("Main.paymentaddress", ""); pa != "" {
			payTo = pa
		}
	}
	amount, err := payment.ToAmount(deposit)
	if err != nil {
		return nil, err
	}
	ch, err := a.payments.OpenChannel(ctx, n.Pubkey, payTo, amount, ttl)
	if err != nil {
		return nil, err
	}
	logf("opened payment channel %s to %s", ch.ID(), addr)
	return ch, nil
}
