package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackendConfig is the connection information stored in a server's
// config_data column.
type BackendConfig struct {
	EndpointURL   string `json:"api_url"`
	Credential    string `json:"api_key"`
	AdminUser     string `json:"admin_user,omitempty"`
	AdminPassword string `json:"admin_password,omitempty"`
	// ClientKeys makes the peer adapter generate the keypair locally and
	// send only the public key to the backend.
	ClientKeys bool   `json:"client_keys,omitempty"`
	DNS        string `json:"dns,omitempty"`
}

// legacyBackendConfig accepts the wg_* key names written by older tooling.
type legacyBackendConfig struct {
	WGAPIURL string `json:"wg_api_url"`
	WGAPIKey string `json:"wg_api_key"`
}

// ParseBackendConfig decodes the server's config_data and checks that the
// mandatory connection fields are present.
func ParseBackendConfig(s BackendServer) (BackendConfig, error) {
	var cfg BackendConfig
	if len(s.ConfigData) == 0 {
		return cfg, fmt.Errorf("server %s: empty config_data: %w", s.ID, ErrMisconfiguredServer)
	}
	if err := json.Unmarshal(s.ConfigData, &cfg); err != nil {
		return cfg, fmt.Errorf("server %s: parsing config_data: %v: %w", s.ID, err, ErrMisconfiguredServer)
	}
	if cfg.EndpointURL == "" || cfg.Credential == "" {
		var legacy legacyBackendConfig
		if err := json.Unmarshal(s.ConfigData, &legacy); err == nil {
			if cfg.EndpointURL == "" {
				cfg.EndpointURL = legacy.WGAPIURL
			}
			if cfg.Credential == "" {
				cfg.Credential = legacy.WGAPIKey
			}
		}
	}
	cfg.EndpointURL = strings.TrimRight(cfg.EndpointURL, "/")

	if cfg.EndpointURL == "" || cfg.Credential == "" {
		return cfg, fmt.Errorf("server %s: missing api_url or api_key: %w", s.ID, ErrMisconfiguredServer)
	}
	if s.Family == FamilyAccount && (cfg.AdminUser == "" || cfg.AdminPassword == "") {
		return cfg, fmt.Errorf("server %s: missing admin_user or admin_password: %w", s.ID, ErrMisconfiguredServer)
	}
	return cfg, nil
}
