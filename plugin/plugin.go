// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package plugin executes the custom services a node announces under the
// xrs namespace.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"xrouter/connector"
	"xrouter/core"
	"xrouter/types"
)

// ShellFunc runs a command line and returns its combined output and exit
// status.
type ShellFunc func(ctx context.Context, command string) (string, int, error)

// Runner dispatches plugin calls to their executor.
type Runner struct {
	shell ShellFunc
}

func NewRunner() *Runner {
	return &Runner{shell: runShell}
}

// NewRunnerWithShell replaces the command runner used by docker plugins.
func NewRunnerWithShell(shell ShellFunc) *Runner {
	return &Runner{shell: shell}
}

func runShell(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode(), nil
	}
	if err != nil {
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// Call runs plugin name with params and returns its JSON result.
func (r *Runner) Call(ctx context.Context, name string, ps *core.PluginSettings, params []string) (string, error) {
	if ps == nil {
		return "", types.NewError(types.UnsupportedService, "Service not found")
	}
	expected := ps.Parameters()
	if len(expected) != len(params) {
		return "", types.NewError(types.InvalidParameters,
			"Received parameters count %d do not match expected %d", len(params), len(expected))
	}
	kind, err := ps.Type()
	if err != nil {
		return "", err
	}
	if t := ps.CommandTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	var result string
	switch kind {
	case core.PluginRPC:
		result, err = r.callRPC(ctx, ps, expected, params)
	case core.PluginDocker:
		result, err = r.callDocker(ctx, name, ps, expected, params)
	case core.PluginResponse:
		if !ps.HasCustomResponse() {
			return "", types.NewError(types.InternalServerError, "Internal Server Error in command %s", name)
		}
	case core.PluginURL:
		return "", types.NewError(types.UnsupportedService, "url calls are unsupported at this time")
	default:
		return "", types.NewError(types.UnsupportedService, "unknown plugin type %s", kind)
	}
	if err != nil {
		return "", err
	}
	if ps.HasCustomResponse() {
		return ps.CustomResponse(), nil
	}
	return result, nil
}

// ConvertParams types the string parameters of a call by the declared
// parameter types.
func ConvertParams(kinds, params []string) ([]interface{}, error) {
	out := make([]interface{}, 0, len(params))
	for i, p := range params {
		switch kinds[i] {
		case "bool":
			out = append(out, !(p == "false" || p == "0"))
		case "int":
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return nil, types.NewError(types.InvalidParameters, "Parameter %d cannot be converted to integer", i+1)
			}
			out = append(out, v)
		case "double":
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, types.NewError(types.InvalidParameters, "Parameter %d cannot be converted to double", i+1)
			}
			out = append(out, v)
		default:
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Runner) callRPC(ctx context.Context, ps *core.PluginSettings, kinds, params []string) (string, error) {
	args, err := ConvertParams(kinds, params)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(ps.StringParam("rpcport", ""))
	if err != nil {
		return "", types.NewError(types.InternalServerError, "plugin rpcport is not configured")
	}
	client := connector.NewClient(
		ps.StringParam("rpcip", "127.0.0.1"), port,
		ps.StringParam("rpcuser", ""), ps.StringParam("rpcpassword", ""),
		connector.WithVersion(ps.StringParam("rpcjsonversion", "")),
		connector.WithContentType(ps.StringParam("rpccontenttype", "")),
	)
	res, err := client.Call(ctx, ps.StringParam("rpccommand", ""), args...)
	if err != nil {
		var rpcErr *connector.RPCError
		if errors.As(err, &rpcErr) {
			return "", types.NewError(types.BadRequest, "%s", rpcErr.Message)
		}
		return "", types.NewError(types.InternalServerError, "%s", err.Error())
	}
	return string(res), nil
}

// substitute replaces $1..$n in args with params, never matching inside an
// already substituted value.
func substitute(args string, params []string, quote bool) string {
	from := 0
	for i, p := range params {
		marker := "$" + strconv.Itoa(i+1)
		val := p
		if quote {
			val = `"` + p + `"`
		}
		at := strings.Index(args[from:], marker)
		if at < 0 {
			continue
		}
		at += from
		args = args[:at] + val + args[at+len(marker):]
		if end := at + len(val); end > from {
			from = end
		}
	}
	return args
}

// fatalExit reports exit codes that mean the command itself could not run.
func fatalExit(code int) bool {
	return code == 1 || code == 2 || (code >= 126 && code <= 165) || code == 255 || code < 0
}

func (r *Runner) callDocker(ctx context.Context, name string, ps *core.PluginSettings, kinds, params []string) (string, error) {
	internal := types.NewError(types.InternalServerError, "Internal Server Error in command %s", name)
	container, exe := ps.Container(), ps.Command()
	switch {
	case container == "":
		log.Printf("plugin: %s: \"containername\" cannot be empty", name)
		return "", internal
	case exe == "":
		log.Printf("plugin: %s: \"command\" cannot be empty", name)
		return "", internal
	case ps.CommandArgs() == "" && len(kinds) > 0:
		log.Printf("plugin: %s: \"args\" cannot be empty when parameters= is set", name)
		return "", internal
	}
	cmd := fmt.Sprintf("docker exec %s %s %s", container, exe, substitute(ps.CommandArgs(), params, ps.QuoteArgs()))
	log.Printf("plugin: executing docker plugin %s", name)

	out, code, err := r.shell(ctx, cmd)
	if err != nil || fatalExit(code) {
		log.Printf("plugin: %s exited with status %d: %v %s", name, code, err, strings.TrimSpace(out))
		return "", types.NewError(types.InternalServerError, "Failed to execute command %s", name)
	}
	val := types.RawJSON(strings.TrimSpace(out))
	if code != 0 {
		return types.MustJSON(map[string]interface{}{"error": val}), nil
	}
	return string(val), nil
}
