// SPDX-License-Identifier: MIT
// Dev: KryperAI

package core

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"xrouter/types"
)

// Plugin executor types.
const (
	PluginRPC      = "rpc"
	PluginDocker   = "docker"
	PluginURL      = "url"
	PluginResponse = "response"
)

// Plugin defaults.
const (
	DefaultPluginFetchLimit = 50
	DefaultPluginTimeout    = 30
)

var (
	pluginNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

	parameterTypes = map[string]bool{
		"string": true,
		"bool":   true,
		"int":    true,
		"double": true,
	}
)

// PluginSettings is the sectionless configuration of one custom service.
type PluginSettings struct {
	*IniConfig
}

// ParsePluginSettings parses and verifies a plugin configuration.
func ParsePluginSettings(text string) (*PluginSettings, error) {
	cfg, err := ParseIni(text)
	if err != nil {
		return nil, err
	}
	ps := &PluginSettings{IniConfig: cfg}
	if err := ps.verify(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (p *PluginSettings) verify() error {
	for _, t := range p.Parameters() {
		if !parameterTypes[t] {
			return fmt.Errorf("unsupported parameter type %q", t)
		}
	}
	return nil
}

// privateString returns key, letting private::key override it.
func (p *PluginSettings) privateString(key, def string) string {
	return p.String(privatePrefix+key, p.String(key, def))
}

// StringParam returns key, falling back to private::key when key is empty.
func (p *PluginSettings) StringParam(key, def string) string {
	if v := p.String(key, ""); v != "" {
		return v
	}
	return p.String(privatePrefix+key, def)
}

// Parameters lists the declared parameter types in order.
func (p *PluginSettings) Parameters() []string {
	raw := p.String("parameters", "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Type is the executor type: rpc, docker, response or url.
func (p *PluginSettings) Type() (string, error) {
	t := p.StringParam("type", "")
	if t == "" {
		return "", types.NewError(types.InvalidParameters, "Missing type in plugin")
	}
	return t, nil
}

func (p *PluginSettings) Fee() float64 {
	return p.Float("fee", 0)
}

func (p *PluginSettings) ClientRequestLimit() int {
	return p.Int("clientrequestlimit", -1)
}

func (p *PluginSettings) FetchLimit() int {
	return maxFetchLimit(p.Int("fetchlimit", DefaultPluginFetchLimit))
}

func (p *PluginSettings) CommandTimeout() int {
	return p.Int("timeout", DefaultPluginTimeout)
}

func (p *PluginSettings) PaymentAddress() string {
	return p.String("paymentaddress", "")
}

func (p *PluginSettings) Disabled() bool {
	return p.Bool("disabled", false)
}

// QuoteArgs reports whether docker arguments are wrapped in quotes.
func (p *PluginSettings) QuoteArgs() bool {
	return p.Bool(privatePrefix+"quoteargs", p.Bool("quoteargs", true))
}

func (p *PluginSettings) Container() string {
	return p.privateString("containername", "")
}

func (p *PluginSettings) Command() string {
	return p.privateString("command", "")
}

func (p *PluginSettings) CommandArgs() string {
	return p.privateString("args", "")
}

// HasCustomResponse reports whether the plugin answers with a fixed text.
func (p *PluginSettings) HasCustomResponse() bool {
	return p.Has("response") || p.Has(privatePrefix+"response")
}

func (p *PluginSettings) CustomResponse() string {
	return p.privateString("response", "")
}

func (p *PluginSettings) Help() string {
	return p.String("help", "")
}

func maxFetchLimit(fl int) int {
	if fl < 0 {
		return math.MaxInt32
	}
	return fl
}
