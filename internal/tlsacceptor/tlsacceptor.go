// Package tlsacceptor implements the TlsAcceptor component (spec.md §4.4):
// an immutable, SNI-keyed certificate store and the tls.Config it backs.
package tlsacceptor

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// Store resolves a ClientHello's server name to the certificate for the
// matching service, loaded once at boot (spec.md §4.7).
type Store struct {
	exact      map[string]*tls.Certificate
	wildcard   map[string]*tls.Certificate // keyed by the suffix after "*."
}

// NewStore loads one key pair per (domain, certPath, keyPath) triple.
// domain is expected pre-lowercased, as produced by internal/config.
func NewStore(entries map[string]CertEntry) (*Store, error) {
	s := &Store{exact: map[string]*tls.Certificate{}, wildcard: map[string]*tls.Certificate{}}
	for domain, e := range entries {
		cert, err := tls.LoadX509KeyPair(e.CertificatePath, e.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsacceptor: %s: %w", domain, err)
		}
		if strings.HasPrefix(domain, "*.") {
			s.wildcard[strings.TrimPrefix(domain, "*.")] = &cert
		} else {
			s.exact[domain] = &cert
		}
	}
	return s, nil
}

// CertEntry names the certificate/key pair backing one domain.
type CertEntry struct {
	CertificatePath string
	KeyPath         string
}

// lookup resolves name (already lowercased by the caller's ClientHello)
// to a certificate: exact match first, then a wildcard parent domain,
// per the fallback described in SPEC_FULL.md §10.
func (s *Store) lookup(name string) *tls.Certificate {
	if cert, ok := s.exact[name]; ok {
		return cert
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		if cert, ok := s.wildcard[name[i+1:]]; ok {
			return cert
		}
	}
	return nil
}

// Config builds the *tls.Config for a listener backed by this store. No
// match for the ClientHello's server name aborts the handshake with the
// standard "unrecognized_name" alert, which is what Go's crypto/tls
// returns by default when GetCertificate returns a nil certificate and
// nil error together with no Certificates fallback.
func (s *Store) Config() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := strings.ToLower(hello.ServerName)
			if cert := s.lookup(name); cert != nil {
				return cert, nil
			}
			return nil, nil
		},
	}
}
