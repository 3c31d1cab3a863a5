// SPDX-License-Identifier: MIT
// Dev: KryperAI

package core

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"xrouter/types"
)

// Settings defaults.
const (
	DefaultPort              = 41412
	DefaultTimeout           = 30
	DefaultConfigSyncTimeout = 3
	DefaultFetchLimit        = 50
	DefaultConfirmations     = 1
)

// Settings is the xrouter configuration of one node together with its
// plugins. It is never mutated after construction, so a *Settings can be
// shared freely.
type Settings struct {
	*IniConfig

	pubkey  string
	mine    bool
	wallets []string
	plugins map[string]*PluginSettings
}

// NewSettings wraps a parsed xrouter.conf. Wallets come from Main.wallets;
// plugins must be attached with AddPlugin or LoadPlugins.
func NewSettings(cfg *IniConfig, pubkey string, mine bool) *Settings {
	s := &Settings{
		IniConfig: cfg,
		pubkey:    pubkey,
		mine:      mine,
		plugins:   make(map[string]*PluginSettings),
	}
	seen := make(map[string]bool)
	for _, w := range splitList(cfg.String(mainSection+".wallets", "")) {
		if !seen[w] {
			seen[w] = true
			s.wallets = append(s.wallets, w)
		}
	}
	return s
}

// LoadSettings reads our own xrouter.conf and the plugins it lists from
// pluginDir. Environment overrides are applied to [Main].
func LoadSettings(path, pluginDir, pubkey string) (*Settings, error) {
	cfg, err := ReadIni(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	s := NewSettings(cfg, pubkey, true)
	s.LoadPlugins(pluginDir)
	if err := validate(s); err != nil {
		return nil, fmt.Errorf("invalid xrouter config: %w", err)
	}
	return s, nil
}

// ParseConfigPayload builds the settings of a remote node from its config
// reply. Plugins that fail to parse are skipped and returned by name.
func ParseConfigPayload(payload types.ConfigPayload, pubkey string) (*Settings, []string, error) {
	cfg, err := ParseIni(payload.Config)
	if err != nil {
		return nil, nil, err
	}
	s := NewSettings(cfg, pubkey, false)
	var bad []string
	names := make([]string, 0, len(payload.Plugins))
	for name := range payload.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps, err := ParsePluginSettings(payload.Plugins[name])
		if err != nil || !pluginNamePattern.MatchString(name) {
			bad = append(bad, name)
			continue
		}
		s.plugins[name] = ps
	}
	return s, bad, nil
}

// LoadPlugins reads every plugin named in Main.plugins from dir. Only our
// own configuration loads plugins from disk.
func (s *Settings) LoadPlugins(dir string) {
	if !s.mine {
		return
	}
	for _, name := range splitList(s.String(mainSection+".plugins", "")) {
		if !pluginNamePattern.MatchString(name) {
			log.Printf("XROUTER: invalid plugin name %q", name)
			continue
		}
		cfg, err := ReadIni(filepath.Join(dir, name+".conf"))
		if err != nil {
			log.Printf("XROUTER: failed to load plugin %s: %v", name, err)
			continue
		}
		ps := &PluginSettings{IniConfig: cfg}
		if err := ps.verify(); err != nil {
			log.Printf("XROUTER: failed to load plugin %s: %v", name, err)
			continue
		}
		s.plugins[name] = ps
		log.Printf("XROUTER: loaded plugin %s", name)
	}
}

// AddPlugin attaches plugin settings under name.
func (s *Settings) AddPlugin(name string, ps *PluginSettings) {
	s.plugins[name] = ps
}

func (s *Settings) Pubkey() string { return s.pubkey }
func (s *Settings) IsMine() bool   { return s.mine }

// Wallets lists the supported currencies in config order.
func (s *Settings) Wallets() []string {
	return append([]string(nil), s.wallets...)
}

// Plugins lists the loaded plugin names, sorted.
func (s *Settings) Plugins() []string {
	out := make([]string, 0, len(s.plugins))
	for name := range s.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Settings) HasWallet(currency string) bool {
	for _, w := range s.wallets {
		if w == currency {
			return true
		}
	}
	return false
}

func (s *Settings) HasPlugin(name string) bool {
	_, ok := s.plugins[name]
	return ok
}

func (s *Settings) Plugin(name string) (*PluginSettings, bool) {
	ps, ok := s.plugins[name]
	return ps, ok
}

// Services lists the namespaced services this configuration offers:
// xr::<wallet> for each wallet and xrs::<plugin> for each enabled plugin.
func (s *Settings) Services() []string {
	var out []string
	for _, w := range s.wallets {
		out = append(out, types.WalletKey(w))
	}
	for _, name := range s.Plugins() {
		if !s.plugins[name].Disabled() {
			out = append(out, types.PluginCommandKey(name))
		}
	}
	return out
}

// IsAvailableCommand reports whether cmd on service is enabled. Wallet
// commands are enabled until "<wallet>::<command>.disabled" is set.
func (s *Settings) IsAvailableCommand(cmd types.Command, service string) bool {
	if cmd == types.Service {
		ps, ok := s.plugins[service]
		return ok && !ps.Disabled()
	}
	if service == "" || !s.HasWallet(service) {
		return false
	}
	return !s.Bool(service+types.Delimiter+cmd.String()+".disabled", false)
}

// ---- node address ----

func (s *Settings) Host() string {
	return s.String(mainSection+".host", "")
}

func (s *Settings) Port() int {
	return s.Int(mainSection+".port", DefaultPort)
}

func (s *Settings) TLS() bool {
	return s.Bool(mainSection+".tls", false)
}

// Node returns host:port, or an error when host is missing or invalid.
func (s *Settings) Node() (types.PeerAddress, error) {
	host := s.Host()
	if host == "" {
		return "", errors.New("missing \"host\" entry")
	}
	if net.ParseIP(host) == nil && !validHostname(host) {
		return "", fmt.Errorf("bad \"host\" entry %q", host)
	}
	return types.PeerAddress(net.JoinHostPort(host, strconv.Itoa(s.Port()))), nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// ---- per-command lookups ----

// lookupPaths returns the sections consulted after Main, from least to most
// specific.
func lookupPaths(cmd types.Command, service string) []string {
	c := cmd.String()
	if cmd == types.Service {
		if service == "" {
			return nil
		}
		return []string{
			c + types.Delimiter + service,
			types.NamespacePlugin + types.Delimiter + service,
		}
	}
	paths := []string{c}
	if service != "" {
		paths = append(paths, service, service+types.Delimiter+c)
	}
	return paths
}

func (s *Settings) lookupFloat(cmd types.Command, service, key string, def float64) float64 {
	res := s.Float(mainSection+"."+key, def)
	for _, p := range lookupPaths(cmd, service) {
		res = s.Float(p+"."+key, res)
	}
	return res
}

func (s *Settings) lookupInt(cmd types.Command, service, key string, def int) int {
	res := s.Int(mainSection+"."+key, def)
	for _, p := range lookupPaths(cmd, service) {
		res = s.Int(p+"."+key, res)
	}
	return res
}

func (s *Settings) lookupString(cmd types.Command, service, key, def string) string {
	res := s.String(mainSection+"."+key, def)
	for _, p := range lookupPaths(cmd, service) {
		res = s.String(p+"."+key, res)
	}
	return res
}

// plugin returns the plugin for a Service command, if loaded.
func (s *Settings) plugin(cmd types.Command, service string) (*PluginSettings, bool) {
	if cmd != types.Service {
		return nil, false
	}
	return s.Plugin(service)
}

// MaxFee is the highest fee the client pays for one call.
func (s *Settings) MaxFee(cmd types.Command, service string, def float64) float64 {
	return s.lookupFloat(cmd, service, "maxfee", def)
}

// CommandTimeout is the call timeout in seconds.
func (s *Settings) CommandTimeout(cmd types.Command, service string, def int) int {
	return s.lookupInt(cmd, service, "timeout", def)
}

// Confirmations is the number of agreeing nodes a call needs. A caller
// supplied value above one wins over the configuration.
func (s *Settings) Confirmations(cmd types.Command, service string, def int) int {
	if def > 1 {
		return def
	}
	if def < 1 {
		def = 1
	}
	return s.lookupInt(cmd, service, "consensus", def)
}

func (s *Settings) Help(cmd types.Command, service string) string {
	if ps, ok := s.plugin(cmd, service); ok && ps.Has("help") {
		if h := ps.Help(); h != "" {
			return h
		}
	}
	return s.lookupString(cmd, service, "help", "")
}

func (s *Settings) DefaultFee() float64 {
	return s.Float(mainSection+".fee", 0)
}

// CommandFee is the fee the node charges for cmd on service.
func (s *Settings) CommandFee(cmd types.Command, service string, def float64) float64 {
	if ps, ok := s.plugin(cmd, service); ok {
		if ps.Has("fee") {
			return ps.Fee()
		}
		return s.Float(mainSection+".fee", def)
	}
	return s.lookupFloat(cmd, service, "fee", def)
}

// CommandFetchLimit caps the parameter count and batch size. A negative
// limit means unlimited.
func (s *Settings) CommandFetchLimit(cmd types.Command, service string, def int) int {
	if ps, ok := s.plugin(cmd, service); ok {
		if ps.Has("fetchlimit") {
			return ps.FetchLimit()
		}
		return maxFetchLimit(s.Int(mainSection+".fetchlimit", def))
	}
	return maxFetchLimit(s.lookupInt(cmd, service, "fetchlimit", def))
}

// ClientRequestLimit is the minimum interval in ms between two requests
// of one client. Zero or less disables the limit.
func (s *Settings) ClientRequestLimit(cmd types.Command, service string, def int) int {
	if ps, ok := s.plugin(cmd, service); ok {
		if ps.Has("clientrequestlimit") {
			return ps.ClientRequestLimit()
		}
		return s.Int(mainSection+".clientrequestlimit", def)
	}
	return s.lookupInt(cmd, service, "clientrequestlimit", def)
}

// PaymentAddress is where fees for cmd on service must be paid.
func (s *Settings) PaymentAddress(cmd types.Command, service string) string {
	if ps, ok := s.plugin(cmd, service); ok {
		if a := ps.PaymentAddress(); a != "" {
			return a
		}
		return s.String(mainSection+".paymentaddress", "")
	}
	return s.lookupString(cmd, service, "paymentaddress", "")
}

func (s *Settings) ConfigSyncTimeout() int {
	return s.Int(mainSection+".configsynctimeout", DefaultConfigSyncTimeout)
}

// FeeSchedule maps every configured section to its fee. Sections with three
// or more parts default to the fee of their command section.
func (s *Settings) FeeSchedule() map[string]float64 {
	def := s.DefaultFee()
	out := make(map[string]float64)
	sections := s.SectionNames()

	for _, name := range sections {
		parts := strings.Split(name, types.Delimiter)
		if len(parts) > 1 || strings.EqualFold(parts[0], mainSection) {
			continue
		}
		out[name] = s.Float(name+".fee", def)
	}
	for _, name := range sections {
		if _, ok := out[name]; ok {
			continue
		}
		parts := strings.Split(name, types.Delimiter)
		if len(parts) < 3 {
			continue
		}
		fallback := def
		if f, ok := out[parts[2]]; ok {
			fallback = f
		}
		out[name] = s.Float(name+".fee", fallback)
	}
	return out
}

// PublicPayload is what a GetConfig reply carries: the public config text
// and the public text of every plugin.
func (s *Settings) PublicPayload() types.ConfigPayload {
	p := types.ConfigPayload{
		Config:  s.PublicText(),
		Plugins: make(map[string]string, len(s.plugins)),
	}
	for name, ps := range s.plugins {
		p.Plugins[name] = ps.PublicText()
	}
	return p
}

// WalletBackend is the private connection info of a wallet's backend node.
type WalletBackend struct {
	Currency string
	Type     string
	Host     string
	Port     int
	User     string
	Password string
}

// Backend returns the private backend settings of currency from its
// [<currency>] section.
func (s *Settings) Backend(currency string) WalletBackend {
	get := func(key, def string) string {
		return s.String(currency+"."+privatePrefix+key, def)
	}
	port, err := strconv.Atoi(get("rpcport", "0"))
	if err != nil || port < 0 || port > math.MaxUint16 {
		port = 0
	}
	return WalletBackend{
		Currency: currency,
		Type:     strings.ToLower(get("type", "btc")),
		Host:     get("rpcip", "127.0.0.1"),
		Port:     port,
		User:     get("rpcuser", ""),
		Password: get("rpcpassword", ""),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
