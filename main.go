// SPDX-License-Identifier: MIT
// Dev: KryperAI

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"

	"xrouter/config"
	"xrouter/core"
	"xrouter/node"
	"xrouter/p2p"
	"xrouter/payment"
	"xrouter/rpc"
	"xrouter/server"
)

func main() {
	fmt.Println("Launching XRouter node...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG ERROR:", err)
	}
	cfg.Print()

	// ---------------- SETTINGS ---------------- //
	if _, err := os.Stat(cfg.ConfPath); errors.Is(err, fs.ErrNotExist) {
		if err := core.CreateConf(filepath.Dir(cfg.ConfPath), false); err != nil {
			log.Fatal("CREATE CONF FAILED:", err)
		}
		fmt.Println("Wrote default config to", cfg.ConfPath)
	}
	settings, err := core.LoadSettings(cfg.ConfPath, cfg.PluginDir(), cfg.Pubkey())
	if err != nil {
		log.Fatal("LOAD CONF FAILED:", err)
	}

	// ---------------- NETWORK ---------------- //
	peers := p2p.NewManager(p2p.NewQUICTransport(cfg.ListenAddr, cfg.Insecure))

	dir, err := p2p.LoadDirectory(cfg.SnodesPath)
	if err != nil {
		log.Println("service node list unavailable:", err)
		dir = p2p.NewDirectory()
	}
	fmt.Println("Known service nodes:", len(dir.ServiceNodes()))

	// ---------------- PAYMENTS ---------------- //
	params, err := cfg.ChainParams()
	if err != nil {
		log.Fatal(err)
	}
	store, err := payment.OpenStore(cfg.DBPath())
	if err != nil {
		log.Fatal("OPEN DB FAILED:", err)
	}
	defer store.Close()

	var ledger payment.Ledger
	if cfg.WalletRPC != "" {
		rl, err := payment.NewRPCLedger(cfg.WalletRPC, cfg.WalletUser, cfg.WalletPass)
		if err != nil {
			log.Fatal("WALLET RPC FAILED:", err)
		}
		defer rl.Close()
		ledger = rl
	} else {
		fmt.Println("No wallet configured, fees are paid from an in-memory ledger")
		ledger = payment.NewMemLedger(params)
	}
	nodeKey, _ := btcec.PrivKeyFromBytes(crypto.FromECDSA(cfg.PrivKey))
	payments := payment.New(ledger, params,
		payment.WithStore(store),
		payment.WithNodeKey(nodeKey),
	)

	// ---------------- APP ---------------- //
	opts := []node.Option{
		node.WithBanScore(cfg.BanScore),
		node.WithConfigFiles(cfg.ConfPath, cfg.PluginDir()),
		node.WithPayments(payments),
	}
	if cfg.ServiceNode {
		srv := server.New(cfg.PrivKey, settings, peers, server.WithPayments(payments))
		n := srv.LoadConnectors(settings)
		fmt.Println("Service node enabled, wallet connectors:", n)
		opts = append(opts, node.WithServer(srv))
	}

	app := node.New(cfg.PrivKey, settings, peers, dir, opts...)
	if err := app.Start(); err != nil {
		log.Fatal("START FAILED:", err)
	}

	api := rpc.NewServer(app)
	go func() {
		if err := api.Start(cfg.RPCAddr); err != nil {
			log.Println("rpc server error:", err)
		}
	}()

	// ---------------- SHUTDOWN ---------------- //
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Println("rpc shutdown:", err)
	}
	app.Stop()
	fmt.Println("Stopped")
}
