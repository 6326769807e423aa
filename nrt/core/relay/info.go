package relay

import "nostr-relay-tray/nrt/common/config"

// Info is the relay information document (NIP-11). It is served on GET / and
// embedded in the proxy attestation.
type Info struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Software      string `json:"software"`
	SupportedNIPs []int  `json:"supported_nips"`
	Version       string `json:"version"`
}

func NewInfo(cfg config.RelayCfg) Info {
	return Info{
		Name:          cfg.Name,
		Description:   cfg.Description,
		Software:      cfg.Software,
		SupportedNIPs: []int{1, 50},
		Version:       cfg.Version,
	}
}
