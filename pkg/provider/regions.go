// Package provider fetches the tunnel provider's region directory and
// generates WireGuard key material. The provider's auth/addKey handshake is
// an external concern; endpoints carry only what the tunnel manager needs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"meshgate/pkg/model"
)

const defaultServerListURL = "https://serverlist.piaservers.net/vpninfo/servers/v6"

const wgPort = 1337

// Client fetches the region list.
type Client struct {
	http *http.Client
	url  string
}

func NewClient(url string) *Client {
	if url == "" {
		url = defaultServerListURL
	}
	return &Client{
		http: &http.Client{Timeout: 15 * time.Second},
		url:  url,
	}
}

// serverList mirrors the provider's region document.
type serverList struct {
	Regions []region `json:"regions"`
}

type region struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Country     string              `json:"country"`
	DNS         string              `json:"dns"`
	PortForward bool                `json:"port_forward"`
	Servers     map[string][]server `json:"servers"`
}

type server struct {
	IP string `json:"ip"`
	CN string `json:"cn"`
}

// FetchEndpoints downloads the region list and maps every region with
// WireGuard capacity to a tunnel endpoint. The response carries JSON on the
// first line followed by a detached signature, so only that line is parsed.
func (c *Client) FetchEndpoints(ctx context.Context) ([]model.TunnelEndpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch region list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch region list: status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read region list: %w", err)
	}
	return ParseEndpoints(body)
}

// ParseEndpoints parses a region-list document (JSON first line, signature
// after) into tunnel endpoints.
func ParseEndpoints(body []byte) ([]model.TunnelEndpoint, error) {
	line := string(body)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	var list serverList
	if err := json.Unmarshal([]byte(line), &list); err != nil {
		return nil, fmt.Errorf("parse region list: %w", err)
	}

	now := time.Now()
	var out []model.TunnelEndpoint
	for _, r := range list.Regions {
		wg := r.Servers["wg"]
		if len(wg) == 0 {
			continue
		}
		ep := model.TunnelEndpoint{
			ID:          r.ID,
			Name:        r.Name,
			Country:     r.Country,
			ServerIP:    wg[0].IP,
			ServerCN:    wg[0].CN,
			ServerPort:  wgPort,
			PortForward: r.PortForward,
			UpdatedAt:   now,
		}
		if r.DNS != "" {
			ep.DNS = []string{r.DNS}
		}
		out = append(out, ep)
	}
	log.Printf("provider: %d regions with wireguard capacity (of %d total)", len(out), len(list.Regions))
	return out, nil
}
