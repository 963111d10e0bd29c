// Package fleet holds the domain types shared by the backend adapters, the
// fleet registry, the session reconciler and the query service.
package fleet

import (
	"encoding/json"
	"time"
)

// Family identifies a backend control-plane family.
type Family string

const (
	// FamilyPeer is a WireGuard-style peer manager keyed by peer public key.
	FamilyPeer Family = "peer"
	// FamilyAccount is a proxy-panel-style user manager keyed by username.
	FamilyAccount Family = "account"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == FamilyPeer || f == FamilyAccount
}

// Status is the local lifecycle status of an Identity.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Platform records where an identity was requested from.
type Platform string

const (
	PlatformApp      Platform = "app"
	PlatformTelegram Platform = "telegram"
	PlatformUnknown  Platform = "unknown"
)

// BackendServer is one configured control-plane endpoint.
type BackendServer struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id,omitempty"`
	Name        string          `json:"name"`
	Family      Family          `json:"protocol_family"`
	Country     string          `json:"country"`
	CountryCode string          `json:"country_code"`
	City        string          `json:"city,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	ConfigData  json.RawMessage `json:"-"`
	IsActive    bool            `json:"is_active"`
	Position    int             `json:"position"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Identity is a VPN credential bound to one account on one backend server.
// BackendUsername is the backend-native handle; for the peer family it holds
// the peer public key.
type Identity struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id,omitempty"`
	ServerID         string     `json:"server_id"`
	BackendUsername  string     `json:"backend_username"`
	Protocol         string     `json:"protocol"`
	Platform         Platform   `json:"platform"`
	DeviceID         string     `json:"device_id,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	Status           Status     `json:"status"`
	UsedTrafficBytes int64      `json:"used_traffic_bytes"`
	DataLimitBytes   *int64     `json:"data_limit_bytes"`
	ExpiresAt        *time.Time `json:"expires_at"`
	LastOnlineAt     *time.Time `json:"last_online_at"`
	ConfigData       string     `json:"config,omitempty"`
	ConfigURL        string     `json:"config_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether the identity has an expiry at or before now.
func (i Identity) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// Account is the customer record an identity is billed to.
type Account struct {
	ID               string    `json:"id"`
	Code             string    `json:"account_code"`
	SubscriptionTier string    `json:"subscription_tier"`
	MaxDevices       int       `json:"max_devices"`
	CreatedAt        time.Time `json:"created_at"`
}

// IdentityFilter selects identities for listing. Empty fields do not filter.
type IdentityFilter struct {
	ServerID   string
	Protocol   string
	Platform   string
	Status     string
	TextSearch string
}

// UsageSnapshot is a backend-reported usage counter for one handle.
type UsageSnapshot struct {
	Handle       string
	TrafficBytes int64
	LastOnlineAt *time.Time
}

// UsageCounts aggregates local identity rows for one server.
type UsageCounts struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByPlatform map[string]int `json:"by_platform"`
	ByProtocol map[string]int `json:"by_protocol"`
}
