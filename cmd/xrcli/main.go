// SPDX-License-Identifier: MIT
// Dev: KryperAI

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const RPC = "http://127.0.0.1:41414"

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	errColor  = color.New(color.FgRed, color.Bold)
	nameColor = color.New(color.FgCyan)
)

var client = &http.Client{Timeout: 5 * time.Minute}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		errColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "xrcli usage:")
	fmt.Fprintln(w, "  xrcli call    [-rpc URL] [-confs N] CURRENCY COMMAND [PARAMS...]")
	fmt.Fprintln(w, "  xrcli service [-rpc URL] [-confs N] NAME [PARAMS...]")
	fmt.Fprintln(w, "  xrcli reply   [-rpc URL] UUID")
	fmt.Fprintln(w, "  xrcli connect [-rpc URL] [-count N] xr::CURRENCY | xrs::NAME")
	fmt.Fprintln(w, "  xrcli configs [-rpc URL]")
	fmt.Fprintln(w, "  xrcli status  [-rpc URL]")
	fmt.Fprintln(w, "  xrcli reload  [-rpc URL]")
	fmt.Fprintln(w, "  xrcli channel [-rpc URL] [-ttl 24h] NODE DEPOSIT")
}

var errUsage = errors.New("invalid arguments")

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return errUsage
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	rpcURL := fs.String("rpc", envOr("XROUTER_RPC_URL", RPC), "node rpc")
	confs := fs.Int("confs", 0, "confirmations, 0 uses the node default")
	count := fs.Int("count", 1, "service nodes to connect to")
	ttl := fs.String("ttl", "", "payment channel lifetime")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	rest := fs.Args()
	base := strings.TrimRight(*rpcURL, "/")

	switch args[0] {
	case "call":
		if len(rest) < 2 {
			usage(out)
			return errUsage
		}
		body := map[string]any{"confirmations": *confs, "params": rest[2:]}
		resp, err := post(base+"/xr/"+rest[0]+"/"+rest[1], body)
		return show(out, resp, err)
	case "service":
		if len(rest) < 1 {
			usage(out)
			return errUsage
		}
		name := strings.TrimPrefix(rest[0], "xrs::")
		body := map[string]any{"confirmations": *confs, "params": rest[1:]}
		resp, err := post(base+"/xrs/"+name, body)
		return show(out, resp, err)
	case "reply":
		if len(rest) != 1 {
			usage(out)
			return errUsage
		}
		resp, err := get(base + "/reply/" + rest[0])
		return show(out, resp, err)
	case "connect":
		if len(rest) != 1 {
			usage(out)
			return errUsage
		}
		resp, err := post(base+"/connect", map[string]any{"service": rest[0], "count": *count})
		return show(out, resp, err)
	case "configs":
		resp, err := get(base + "/configs")
		return show(out, resp, err)
	case "status":
		resp, err := get(base + "/status")
		return show(out, resp, err)
	case "reload":
		resp, err := post(base+"/reload", nil)
		return show(out, resp, err)
	case "channel":
		if len(rest) != 2 {
			usage(out)
			return errUsage
		}
		var deposit float64
		if _, err := fmt.Sscanf(rest[1], "%g", &deposit); err != nil || deposit <= 0 {
			return fmt.Errorf("invalid deposit %q", rest[1])
		}
		body := map[string]any{"node": rest[0], "deposit": deposit, "ttl": *ttl}
		resp, err := post(base+"/channel", body)
		return show(out, resp, err)
	}
	usage(out)
	return errUsage
}

// ---------------- OUTPUT ----------------

// show pretty-prints a reply. Replies carrying an xrouter error are
// printed and returned as an error.
func show(out io.Writer, body []byte, err error) error {
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Fprintln(out, string(body))
		return nil
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")

	obj, _ := v.(map[string]any)
	if msg, ok := obj["error"]; ok && msg != nil {
		errColor.Fprint(out, "FAILED")
		if code, ok := obj["code"]; ok {
			fmt.Fprintf(out, " code %v", code)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, string(pretty))
		return fmt.Errorf("%v", msg)
	}
	okColor.Fprint(out, "OK")
	if id, ok := obj["uuid"].(string); ok {
		fmt.Fprint(out, " uuid ")
		nameColor.Fprint(out, id)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, string(pretty))
	return nil
}

// ---------------- HELPERS ----------------

func get(url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func post(url string, body any) ([]byte, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	resp, err := client.Post(url, "application/json", r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
