// SPDX-License-Identifier: MIT
// Dev: KryperAI

package core

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	privatePrefix = "private::"
	mainSection   = "Main"
)

var privateComment = regexp.MustCompile(`^\s*#!.*$`)

var loadOptions = ini.LoadOptions{
	KeyValueDelimiters:  "=",
	IgnoreInlineComment: true,
}

// IniConfig is a parsed, read-only ini document. Values are addressed as
// "Section.key"; a key without a section refers to the unnamed top section.
type IniConfig struct {
	file       *ini.File
	rawText    string
	publicText string
}

// ParseIni parses text.
func ParseIni(text string) (*IniConfig, error) {
	f, err := ini.LoadSources(loadOptions, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &IniConfig{
		file:       f,
		rawText:    text,
		publicText: publicText(text),
	}, nil
}

// ReadIni loads and parses the file at path.
func ReadIni(path string) (*IniConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	return ParseIni(string(raw))
}

// publicText drops operator-only lines: anything containing "private::"
// and comments starting with "#!".
func publicText(raw string) string {
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, privatePrefix) || privateComment.MatchString(line) {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// RawText is the document as read.
func (c *IniConfig) RawText() string { return c.rawText }

// PublicText is the document without private entries.
func (c *IniConfig) PublicText() string { return c.publicText }

func (c *IniConfig) key(path string) (*ini.Key, bool) {
	section, name := ini.DefaultSection, path
	if i := strings.LastIndex(path, "."); i >= 0 {
		section, name = path[:i], path[i+1:]
	}
	sec, err := c.file.GetSection(section)
	if err != nil || !sec.HasKey(name) {
		return nil, false
	}
	k, err := sec.GetKey(name)
	if err != nil {
		return nil, false
	}
	return k, true
}

// Has reports whether path is set.
func (c *IniConfig) Has(path string) bool {
	_, ok := c.key(path)
	return ok
}

func (c *IniConfig) String(path, def string) string {
	if k, ok := c.key(path); ok {
		return strings.TrimSpace(k.String())
	}
	return def
}

func (c *IniConfig) Int(path string, def int) int {
	if k, ok := c.key(path); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(k.String())); err == nil {
			return v
		}
	}
	return def
}

func (c *IniConfig) Float(path string, def float64) float64 {
	if k, ok := c.key(path); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(k.String()), 64); err == nil {
			return v
		}
	}
	return def
}

func (c *IniConfig) Bool(path string, def bool) bool {
	if k, ok := c.key(path); ok {
		if v, err := k.Bool(); err == nil {
			return v
		}
	}
	return def
}

// SectionNames lists named sections in file order.
func (c *IniConfig) SectionNames() []string {
	var out []string
	for _, s := range c.file.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		out = append(out, s.Name())
	}
	return out
}

// ---- env overrides ----

// applyEnvOverrides lets the process environment override a few [Main]
// client settings without editing xrouter.conf.
func applyEnvOverrides(c *IniConfig) error {
	main := c.file.Section(mainSection)
	overrides := []struct {
		env, key string
		numeric  bool
	}{
		{"XROUTER_MAXFEE", "maxfee", true},
		{"XROUTER_TIMEOUT", "timeout", true},
		{"XROUTER_CONSENSUS", "consensus", true},
		{"XROUTER_HOST", "host", false},
		{"XROUTER_PAYMENT_ADDRESS", "paymentaddress", false},
	}
	for _, o := range overrides {
		v := strings.TrimSpace(os.Getenv(o.env))
		if v == "" {
			continue
		}
		if o.numeric {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return fmt.Errorf("%s invalid numeric value: %s", o.env, v)
			}
		}
		main.Key(o.key).SetValue(v)
	}
	return nil
}

func validate(s *Settings) error {
	if s.Int(mainSection+".consensus", 1) < 0 {
		return errors.New("consensus must be >= 0")
	}
	if s.Float(mainSection+".maxfee", 0) < 0 {
		return errors.New("maxfee must be >= 0")
	}
	if s.Int(mainSection+".timeout", DefaultTimeout) <= 0 {
		return errors.New("timeout must be > 0")
	}
	for _, name := range s.Plugins() {
		if !pluginNamePattern.MatchString(name) {
			return fmt.Errorf("invalid plugin name %q", name)
		}
	}
	return nil
}
