// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"xrouter/types"
)

// DirectorySyncClient pulls the service node list from an HTTP endpoint.
type DirectorySyncClient struct {
	url    string
	client *http.Client
}

func NewDirectorySyncClient(url string) *DirectorySyncClient {
	return &DirectorySyncClient{
		url: strings.TrimRight(url, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// FetchNodes GETs the directory document.
func (c *DirectorySyncClient) FetchNodes() ([]types.ServiceNode, error) {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote error: %s", strings.TrimSpace(string(body)))
	}
	return parseDirectory(body)
}
