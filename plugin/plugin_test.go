package plugin

import (
	"context"
	stdjson "encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"xrouter/core"
	"xrouter/types"
)

func settings(t *testing.T, text string) *core.PluginSettings {
	t.Helper()
	ps, err := core.ParsePluginSettings(text)
	if err != nil {
		t.Fatalf("plugin settings: %v", err)
	}
	return ps
}

func TestConvertParams(t *testing.T) {
	got, err := ConvertParams([]string{"string", "bool", "int", "double", "bool"}, []string{"a", "0", "42", "1.5", "yes"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got[0] != "a" || got[1] != false || got[2] != int64(42) || got[3] != 1.5 || got[4] != true {
		t.Fatalf("converted %v", got)
	}
	_, err = ConvertParams([]string{"int"}, []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "Parameter 1 cannot be converted to integer") {
		t.Fatalf("expected int error, got %v", err)
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		args   string
		params []string
		quote  bool
		want   string
	}{
		{"$1 $2", []string{"a", "b"}, false, "a b"},
		{"key $1", []string{"x y"}, true, `key "x y"`},
		{"$1 $2", []string{"$2", "b"}, false, "$2 b"},
		{"fixed", []string{"a"}, false, "fixed"},
	}
	for _, tt := range tests {
		if got := substitute(tt.args, tt.params, tt.quote); got != tt.want {
			t.Fatalf("substitute(%q, %v) = %q, want %q", tt.args, tt.params, got, tt.want)
		}
	}
}

func TestParameterCountMismatch(t *testing.T) {
	ps := settings(t, "parameters=string,int\nprivate::type=response\nresponse=ok\n")
	_, err := NewRunner().Call(context.Background(), "p", ps, []string{"a"})
	if types.CodeOf(err) != types.InvalidParameters {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
}

func TestResponsePlugin(t *testing.T) {
	ps := settings(t, "parameters=\nprivate::type=response\nresponse={\"hello\":\"world\"}\n")
	got, err := NewRunner().Call(context.Background(), "hello", ps, nil)
	if err != nil || got != `{"hello":"world"}` {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestURLPluginUnsupported(t *testing.T) {
	ps := settings(t, "private::type=url\n")
	_, err := NewRunner().Call(context.Background(), "u", ps, nil)
	if types.CodeOf(err) != types.UnsupportedService || err.Error() != "url calls are unsupported at this time" {
		t.Fatalf("got %v", err)
	}
}

func TestMissingType(t *testing.T) {
	ps := settings(t, "fee=0\n")
	if _, err := NewRunner().Call(context.Background(), "x", ps, nil); types.CodeOf(err) != types.InvalidParameters {
		t.Fatalf("got %v", err)
	}
	if _, err := NewRunner().Call(context.Background(), "x", nil, nil); types.CodeOf(err) != types.UnsupportedService {
		t.Fatalf("nil settings: %v", err)
	}
}

func TestRPCPlugin(t *testing.T) {
	var gotMethod, gotVersion string
	var gotParams []interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string        `json:"jsonrpc"`
			Method  string        `json:"method"`
			Params  []interface{} `json:"params"`
		}
		stdjson.NewDecoder(r.Body).Decode(&req)
		gotMethod, gotVersion, gotParams = req.Method, req.JSONRPC, req.Params
		w.Write([]byte(`{"result":{"height":7},"error":null,"id":1}`))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)

	ps := settings(t, strings.Join([]string{
		"parameters=string,int,bool",
		"private::type=rpc",
		"private::rpcip=" + host,
		"private::rpcport=" + port,
		"private::rpccommand=getheight",
		"private::rpcjsonversion=2.0",
	}, "\n"))
	got, err := NewRunner().Call(context.Background(), "height", ps, []string{"BTC", "3", "true"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != `{"height":7}` {
		t.Fatalf("result %s", got)
	}
	if gotMethod != "getheight" || gotVersion != "2.0" {
		t.Fatalf("request %s %s", gotMethod, gotVersion)
	}
	if len(gotParams) != 3 || gotParams[0] != "BTC" || gotParams[1] != float64(3) || gotParams[2] != true {
		t.Fatalf("params %v", gotParams)
	}
}

func TestDockerPlugin(t *testing.T) {
	var ran string
	shell := func(_ context.Context, cmd string) (string, int, error) {
		ran = cmd
		return `{"block":1}` + "\n", 0, nil
	}
	ps := settings(t, strings.Join([]string{
		"parameters=string",
		"private::type=docker",
		"private::containername=syscoin",
		"private::command=syscoin-cli getblock",
		"private::args=$1",
	}, "\n"))
	got, err := NewRunnerWithShell(shell).Call(context.Background(), "block", ps, []string{"abc"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ran != `docker exec syscoin syscoin-cli getblock "abc"` {
		t.Fatalf("command %q", ran)
	}
	if got != `{"block":1}` {
		t.Fatalf("result %q", got)
	}
}

func TestDockerPluginExitCodes(t *testing.T) {
	ps := settings(t, "private::type=docker\nprivate::containername=c\nprivate::command=run\n")
	fail := func(code int, out string) ShellFunc {
		return func(context.Context, string) (string, int, error) { return out, code, nil }
	}
	if _, err := NewRunnerWithShell(fail(127, "not found")).Call(context.Background(), "p", ps, nil); types.CodeOf(err) != types.InternalServerError {
		t.Fatalf("fatal exit: %v", err)
	}
	got, err := NewRunnerWithShell(fail(3, "oops")).Call(context.Background(), "p", ps, nil)
	if err != nil || got != `{"error":"oops"}` {
		t.Fatalf("soft exit %q %v", got, err)
	}
}

func TestDockerPluginNeedsContainer(t *testing.T) {
	ps := settings(t, "private::type=docker\nprivate::command=run\n")
	if _, err := NewRunner().Call(context.Background(), "p", ps, nil); types.CodeOf(err) != types.InternalServerError {
		t.Fatalf("got %v", err)
	}
}
