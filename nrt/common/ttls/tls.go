package ttls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"nostr-relay-tray/nrt/common"
)

// LoadTLSConfig builds the listener TLS config. cert and key may be file
// paths or inline PEM. A non-empty sniGuard restricts the accepted SNI names
// and requires the certificate to cover them.
func LoadTLSConfig(cert, key, sniGuard string) (*tls.Config, error) {
	cert = strings.TrimSpace(cert)
	key = strings.TrimSpace(key)
	if cert == "" || key == "" {
		return nil, errors.New("empty cert/key")
	}

	certPEM, err := common.ReadPEMorFile(cert)
	if err != nil {
		return nil, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := common.ReadPEMorFile(key)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}
	if pair.Leaf == nil && len(pair.Certificate) > 0 {
		if leaf, e := x509.ParseCertificate(pair.Certificate[0]); e == nil {
			pair.Leaf = leaf
		}
	}

	guard := common.ParseGuardList(sniGuard)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(guard) == 0 {
				return nil
			}
			sni := strings.ToLower(strings.TrimSpace(cs.ServerName))
			if sni == "" {
				return errors.New("sni required")
			}
			if !common.MatchAnyHostPattern(sni, guard) {
				return fmt.Errorf("sni not allowed: %s", sni)
			}
			if pair.Leaf != nil {
				if err := pair.Leaf.VerifyHostname(sni); err != nil {
					return fmt.Errorf("sni not covered by certificate: %w", err)
				}
			}
			return nil
		},
	}, nil
}
