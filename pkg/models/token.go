package models

import "time"

// TokenRecord is a per-user, per-provider credential as stored at rest.
// Ciphertexts are opaque to the orchestrator; the OAuth subsystem writes them.
// Either ExpiresAt is zero (non-expiring) or the adapter refreshes the token
// before use once ExpiresAt has passed.
type TokenRecord struct {
	UserID           string    `json:"user_id"`
	Provider         string    `json:"provider"`
	AccessCiphertext []byte    `json:"-"`
	RefreshCipher    []byte    `json:"-"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	Scope            string    `json:"scope,omitempty"`
}

// Expired reports whether the access token is past its expiry.
func (t *TokenRecord) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now)
}

// ConnectionState is the connection manager's view of a (user, provider) pair.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnError        ConnectionState = "error"
	ConnClosed       ConnectionState = "closed"
	ConnDisconnected ConnectionState = "disconnected"
)

// ConnectionStatus is the persisted status mirror written through by the
// connection manager on every transition.
type ConnectionStatus struct {
	UserID          string          `json:"user_id"`
	Provider        string          `json:"provider"`
	State           ConnectionState `json:"state"`
	ToolCount       int             `json:"tool_count"`
	LastError       string          `json:"last_error,omitempty"`
	LastHealthyAt   time.Time       `json:"last_healthy_at,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Endpoint        string          `json:"endpoint,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
