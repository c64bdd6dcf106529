package model

import "time"

// ReconcileConfig controls the background reconciliation loop.
type ReconcileConfig struct {
	CyclePeriod   string `json:"cyclePeriod"`   // e.g. "15s"
	FailThreshold int    `json:"failThreshold"` // consecutive Down cycles before failover
	MaxRetries    int    `json:"maxRetries"`    // pending-apply attempts before terminal disable
	RetryBackoff  string `json:"retryBackoff"`  // base backoff, doubled per attempt
}

// TunnelConfig controls interface bring-up behavior.
type TunnelConfig struct {
	LinkUpTimeout      string `json:"linkUpTimeout"`      // e.g. "20s"
	HandshakeStaleness string `json:"handshakeStaleness"` // handshake older than this is degraded
}

// Settings is a bag for global daemon settings.
type Settings struct {
	Reconcile ReconcileConfig `json:"reconcile"`
	Tunnel    TunnelConfig    `json:"tunnel"`
}

// DefaultSettings are used until an operator saves their own.
func DefaultSettings() Settings {
	return Settings{
		Reconcile: ReconcileConfig{
			CyclePeriod:   "15s",
			FailThreshold: 3,
			MaxRetries:    5,
			RetryBackoff:  "10s",
		},
		Tunnel: TunnelConfig{
			LinkUpTimeout:      "15s",
			HandshakeStaleness: "3m",
		},
	}
}

// ParseDuration parses s, falling back to def when s is empty or malformed.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
