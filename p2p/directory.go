// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"xrouter/types"
)

// Directory is the list of known service nodes.
type Directory struct {
	mu     sync.RWMutex
	nodes  map[types.PeerAddress]types.ServiceNode
	source string
	sync   *DirectorySyncClient
}

func NewDirectory(nodes ...types.ServiceNode) *Directory {
	d := &Directory{nodes: make(map[types.PeerAddress]types.ServiceNode)}
	d.Set(nodes)
	return d
}

// LoadDirectory reads service nodes from a JSON file or an http(s) URL.
// The source is kept for Reload.
func LoadDirectory(source string) (*Directory, error) {
	d := NewDirectory()
	d.source = source
	if isURL(source) {
		d.sync = NewDirectorySyncClient(source)
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the directory source. Without a source it is a no-op.
func (d *Directory) Reload() error {
	if d.source == "" {
		return nil
	}
	var (
		nodes []types.ServiceNode
		err   error
	)
	if d.sync != nil {
		nodes, err = d.sync.FetchNodes()
	} else {
		nodes, err = readDirectoryFile(d.source)
	}
	if err != nil {
		return err
	}
	d.Set(nodes)
	return nil
}

func readDirectoryFile(path string) ([]types.ServiceNode, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot open service node directory: %w", err)
	}
	return parseDirectory(raw)
}

func parseDirectory(raw []byte) ([]types.ServiceNode, error) {
	var nodes []types.ServiceNode
	if err := types.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("invalid service node directory: %w", err)
	}
	for i, n := range nodes {
		if n.Address == "" || n.Pubkey == "" {
			return nil, fmt.Errorf("service node %d: address and pubkey required", i)
		}
	}
	return nodes, nil
}

// Set replaces all entries.
func (d *Directory) Set(nodes []types.ServiceNode) {
	m := make(map[types.PeerAddress]types.ServiceNode, len(nodes))
	for _, n := range nodes {
		m[n.Address] = n
	}
	d.mu.Lock()
	d.nodes = m
	d.mu.Unlock()
}

// Add inserts or replaces one entry.
func (d *Directory) Add(n types.ServiceNode) {
	d.mu.Lock()
	d.nodes[n.Address] = n
	d.mu.Unlock()
}

// ServiceNodes returns every entry sorted by address.
func (d *Directory) ServiceNodes() []types.ServiceNode {
	d.mu.RLock()
	out := make([]types.ServiceNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (d *Directory) Get(addr types.PeerAddress) (types.ServiceNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[addr]
	return n, ok
}

// ByPubkey finds the entry with the given hex pubkey.
func (d *Directory) ByPubkey(pubkey string) (types.ServiceNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.nodes {
		if strings.EqualFold(n.Pubkey, pubkey) {
			return n, true
		}
	}
	return types.ServiceNode{}, false
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
