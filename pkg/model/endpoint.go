package model

import "time"

// TunnelEndpoint identifies one VPN exit point offered by the tunnel provider.
// Records are immutable once created; a region-list refresh replaces them wholesale.
type TunnelEndpoint struct {
	ID          string    `json:"id"`   // provider region id, e.g. "sg-1"
	Name        string    `json:"name"` // human label, e.g. "Singapore"
	Country     string    `json:"country,omitempty"`
	ServerIP    string    `json:"serverIp"`
	ServerCN    string    `json:"serverCn,omitempty"`
	ServerPort  int       `json:"serverPort,omitempty"`
	PublicKey   string    `json:"publicKey"` // remote WireGuard public key
	LocalAddr   string    `json:"localAddr"` // address assigned to our side of the link
	DNS         []string  `json:"dns,omitempty"`
	PortForward bool      `json:"portForward,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
