// SPDX-License-Identifier: MIT
// Dev: KryperAI

package types

import (
	"regexp"
	"strconv"
	"strings"
)

// Namespaces used in fully qualified service names.
const (
	NamespaceWallet = "xr"
	NamespacePlugin = "xrs"
	Delimiter       = "::"
)

var (
	partPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-:\$]+$`)
	hashPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	hexPattern  = regexp.MustCompile(`^[a-fA-F0-9]{2,}$`)
)

// WalletCommandKey builds "<wallet>::<command>", prefixed by "xr::" when
// withNamespace is set.
func WalletCommandKey(wallet, command string, withNamespace bool) string {
	key := wallet + Delimiter + command
	if withNamespace {
		key = NamespaceWallet + Delimiter + key
	}
	return key
}

// WalletKey builds "xr::<wallet>".
func WalletKey(wallet string) string {
	return NamespaceWallet + Delimiter + wallet
}

// PluginCommandKey builds "xrs::<plugin>".
func PluginCommandKey(plugin string) string {
	return NamespacePlugin + Delimiter + plugin
}

// FQService returns the namespaced key for command on service.
func FQService(cmd Command, service string) string {
	if cmd == Service {
		return PluginCommandKey(service)
	}
	return WalletCommandKey(service, cmd.String(), false)
}

// FQServiceToURL turns "xr::BLOCK::xrGetBlockCount" into
// "/xr/BLOCK/xrGetBlockCount".
func FQServiceToURL(fq string) string {
	return "/" + strings.ReplaceAll(fq, Delimiter, "/")
}

// SplitService splits s on "::" and validates every part against the
// allowed character set.
func SplitService(s string) ([]string, bool) {
	parts := strings.Split(s, Delimiter)
	for _, p := range parts {
		if !partPattern.MatchString(p) {
			return nil, false
		}
	}
	return parts, true
}

// RemoveNamespace strips a leading "xr" or "xrs" namespace. Names without a
// namespace are returned unchanged.
func RemoveNamespace(service string) (string, bool) {
	parts, ok := SplitService(service)
	if !ok || len(parts) == 0 {
		return "", false
	}
	if parts[0] == NamespaceWallet || parts[0] == NamespacePlugin {
		if len(parts) < 2 {
			return "", false
		}
		return strings.Join(parts[1:], Delimiter), true
	}
	return service, true
}

// HasWalletNamespace reports whether s starts with "xr::".
func HasWalletNamespace(s string) bool {
	return strings.HasPrefix(s, NamespaceWallet+Delimiter) &&
		partPattern.MatchString(strings.TrimPrefix(s, NamespaceWallet+Delimiter))
}

// HasPluginNamespace reports whether s starts with "xrs::".
func HasPluginNamespace(s string) bool {
	return strings.HasPrefix(s, NamespacePlugin+Delimiter) &&
		partPattern.MatchString(strings.TrimPrefix(s, NamespacePlugin+Delimiter))
}

// ParseFQService resolves a fully qualified name such as
// "xr::BLOCK::xrGetBlockCount", "xr::BLOCK" or "xrs::Plugin" into the
// command and the bare service name.
func ParseFQService(fq string) (Command, string, error) {
	parts, ok := SplitService(fq)
	if !ok || len(parts) < 2 {
		return Invalid, "", NewError(BadRequest, "Bad service name: %s", fq)
	}
	switch parts[0] {
	case NamespacePlugin:
		return Service, strings.Join(parts[1:], Delimiter), nil
	case NamespaceWallet:
		if len(parts) == 2 {
			return GetBlockCount, parts[1], nil
		}
		cmd := CommandFromString(parts[len(parts)-1])
		if !cmd.IsWallet() {
			return Invalid, "", NewError(UnsupportedService, "Unsupported command: %s", fq)
		}
		return cmd, strings.Join(parts[1:len(parts)-1], Delimiter), nil
	}
	return Invalid, "", NewError(BadRequest, "Bad namespace in service name: %s", fq)
}

// IsNumber reports whether s parses as a base 10 integer.
func IsNumber(s string) bool {
	_, err := strconv.ParseInt(s, 10, 32)
	return err == nil
}

// IsHash reports whether s looks like a block or transaction hash.
func IsHash(s string) bool {
	return len(s) >= 10 && hashPattern.MatchString(s)
}

// IsHex reports whether s is a hex string of at least one byte.
func IsHex(s string) bool {
	return hexPattern.MatchString(s)
}
