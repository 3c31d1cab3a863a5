// SPDX-License-Identifier: MIT
// Dev: KryperAI

package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultXRouterConf = `[Main]
#! host is a mandatory field, this tells the XRouter network how to find your node.
#! DNS and ip addresses are acceptable values.
#! host=mynode.example.com
#! host=208.67.222.222
host=

#! port is the port on the host that accepts xrouter connections.
#! port defaults to 41412
#! port=41412

#! tls signals to the xrouter network that your endpoint supports TLS connections.
#! tls=1
tls=0

#! maxfee is the maximum fee you're willing to pay on a single xrouter call
#! 0 means you only want free calls
maxfee=0

#! consensus is the minimum number of nodes you want your xrouter calls to query (1 or more)
#! Paid calls will send a payment to each selected service node.
consensus=1

#! timeout is the maximum time in seconds you're willing to wait for an XRouter response
timeout=30

#! wallets and plugins served by this node, comma separated
#! wallets=BTC,LTC
#! plugins=ExampleRPC

#! Optionally set per-call config options:
#! [xrGetBlockCount]
#! maxfee=0.01

#! [BTC::xrGetBlockCount]
#! maxfee=0.01

#! Backend connection of a wallet, never sent to clients:
#! [BTC]
#! private::type=btc
#! private::rpcip=127.0.0.1
#! private::rpcport=8332
#! private::rpcuser=user
#! private::rpcpassword=pass

#! Custom services can be configured too:
#! [xrs::ExampleRPC]
#! maxfee=0.1
#! help=The plugin documentation here.
`

const examplePluginHeader = `#! %s is a sample %s plugin. This entire plugin configuration is sent to the client.
#! Any lines beginning with #! will not be sent to the client.
#! Any config parameters beginning with private:: will not be sent to the client.
#! The file name is the service name announced to the network.
#! Acceptable plugin names may include the characters: a-z A-Z 0-9 -

#! parameters that you need from the user, acceptable types: string,bool,int,double
parameters=%s

#! fee charged for each request to this plugin, 0 for free
fee=0

#! client request limit in milliseconds, -1 means unlimited
clientrequestlimit=-1

help=The plugin documentation here.

`

const exampleRPCBody = `private::type=rpc
private::rpcip=127.0.0.1
private::rpcport=8370
private::rpcuser=sysuser
private::rpcpassword=sysuser_pass
private::rpccommand=getblockcount

#! JSON version and Content Type can be set on the rpc call:
#!private::rpcjsonversion=2.0
#!private::rpccontenttype=application/json

#! Disable this sample plugin
disabled=1
`

const exampleDockerBody = `#! "quoteargs" puts quotes around user supplied arguments. "args" can mix user
#! supplied arguments ($1, $2, ...) with fixed ones: private::args=some_api_key $1 $2
private::type=docker
private::containername=syscoin
private::quoteargs=1
private::command=syscoin-cli getblock
private::args=$1

#! Disable this sample plugin
disabled=1
`

// CreateConf writes a commented default xrouter.conf into dir unless one
// exists. Unless skipPlugins is set it also creates the plugins directory
// with two disabled sample plugins.
func CreateConf(dir string, skipPlugins bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config dir: %w", err)
	}
	conf := filepath.Join(dir, "xrouter.conf")
	if _, err := os.Stat(conf); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(conf, []byte(defaultXRouterConf), 0o600); err != nil {
			return fmt.Errorf("cannot write xrouter.conf: %w", err)
		}
	}
	if skipPlugins {
		return nil
	}

	plugins := filepath.Join(dir, "plugins")
	if _, err := os.Stat(plugins); err == nil {
		return nil
	}
	if err := os.MkdirAll(plugins, 0o755); err != nil {
		return fmt.Errorf("cannot create plugins dir: %w", err)
	}
	samples := map[string]string{
		"ExampleRPC.conf":    examplePlugin("ExampleRPC", PluginRPC, "", exampleRPCBody),
		"ExampleDocker.conf": examplePlugin("ExampleDocker", PluginDocker, "string", exampleDockerBody),
	}
	for name, body := range samples {
		if err := os.WriteFile(filepath.Join(plugins, name), []byte(body), 0o600); err != nil {
			return fmt.Errorf("cannot write %s: %w", name, err)
		}
	}
	return nil
}

func examplePlugin(name, kind, params, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, examplePluginHeader, name, kind, params)
	b.WriteString(body)
	return b.String()
}
