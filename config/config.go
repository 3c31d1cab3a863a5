// SPDX-License-Identifier: MIT
// Dev: KryperAI

package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"xrouter/query"
	"xrouter/types"
)

type Config struct {
	DataDir     string
	ConfPath    string
	ListenAddr  string
	RPCAddr     string
	PrivKey     *ecdsa.PrivateKey
	ServiceNode bool
	SnodesPath  string
	Network     string
	WalletRPC   string
	WalletUser  string
	WalletPass  string
	BanScore    int
	Insecure    bool
	Debug       bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("XROUTER_DATA_DIR", "./xrouterdata")
	cfg := &Config{
		DataDir:     dataDir,
		ConfPath:    getEnv("XROUTER_CONF", filepath.Join(dataDir, "xrouter.conf")),
		ListenAddr:  getEnv("XROUTER_LISTEN", "0.0.0.0:41412"),
		RPCAddr:     getEnv("XROUTER_RPC", "127.0.0.1:41414"),
		ServiceNode: getEnvBool("XROUTER_SERVICENODE", false),
		SnodesPath:  getEnv("XROUTER_SNODES", filepath.Join(dataDir, "snodes.json")),
		Network:     strings.ToLower(getEnv("XROUTER_NETWORK", "mainnet")),
		WalletRPC:   getEnv("XROUTER_WALLET_RPC", ""),
		WalletUser:  getEnv("XROUTER_WALLET_USER", ""),
		WalletPass:  getEnv("XROUTER_WALLET_PASS", ""),
		BanScore:    getEnvInt("XROUTER_BANSCORE", query.DefaultBanThreshold),
		Insecure:    getEnvBool("XROUTER_INSECURE", false),
		Debug:       getEnvBool("XROUTER_DEBUG", false),
	}

	if privStr := cleanEnvValue(os.Getenv("XROUTER_PRIVATE_KEY")); privStr != "" {
		priv, err := types.PrivateKeyFromHex(privStr)
		if err != nil {
			return nil, fmt.Errorf("invalid XROUTER_PRIVATE_KEY: %w", err)
		}
		cfg.PrivKey = priv
	} else {
		priv, err := types.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node key: %w", err)
		}
		cfg.PrivKey = priv
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses and the selected network.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("XROUTER_DATA_DIR must not be empty")
	}
	for name, addr := range map[string]string{"XROUTER_LISTEN": c.ListenAddr, "XROUTER_RPC": c.RPCAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if c.BanScore >= 0 {
		return fmt.Errorf("XROUTER_BANSCORE must be negative, got %d", c.BanScore)
	}
	if c.PrivKey == nil {
		return types.ErrNilPrivateKey
	}
	return nil
}

// ChainParams maps Network to the btcd parameters used for payment
// addresses and transactions.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown XROUTER_NETWORK %q", c.Network)
}

// PluginDir is where plugin configs are read from.
func (c *Config) PluginDir() string {
	return filepath.Join(c.DataDir, "plugins")
}

// DBPath is the bolt database of payment channels and spent fees.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "xrouter.db")
}

func (c *Config) Pubkey() string {
	return fmt.Sprintf("%x", types.CompressedPubkey(c.PrivKey))
}

func (c *Config) Print() {
	fmt.Println("=== Configuration ===")
	fmt.Printf("  Node Pubkey:   %s\n", c.Pubkey())
	fmt.Printf("  Data Dir:      %s\n", c.DataDir)
	fmt.Printf("  Config:        %s\n", c.ConfPath)
	fmt.Printf("  Listen:        %s\n", c.ListenAddr)
	fmt.Printf("  RPC:           %s\n", c.RPCAddr)
	fmt.Printf("  Network:       %s\n", c.Network)
	fmt.Printf("  Service Node:  %t\n", c.ServiceNode)
	if c.SnodesPath != "" {
		fmt.Printf("  Snodes:        %s\n", c.SnodesPath)
	}
	if c.WalletRPC != "" {
		fmt.Printf("  Wallet RPC:    %s\n", c.WalletRPC)
	}
	fmt.Println("=====================")
}

func getEnv(key, defaultVal string) string {
	if val := cleanEnvValue(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := cleanEnvValue(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := cleanEnvValue(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func cleanEnvValue(val string) string {
	val = strings.TrimSpace(val)
	if idx := strings.Index(val, "#"); idx != -1 {
		val = strings.TrimSpace(val[:idx])
	}
	return val
}
