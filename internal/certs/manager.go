package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Info is the operator-facing certificate summary.
type Info struct {
	Subject    string    `json:"subject"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	SelfSigned bool      `json:"self_signed"`
}

// Manager owns the cert directory for a running server, so the admin API can
// inspect and renew the material the listener was started with.
type Manager struct {
	dir   string
	hosts []string
}

// NewManager creates a Manager over dir (or the default directory).
func NewManager(dir string, hosts []string) *Manager {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Manager{dir: dir, hosts: hosts}
}

// Certificate loads or generates the server certificate.
func (m *Manager) Certificate() (tls.Certificate, error) {
	return EnsureServerCert(m.dir, m.hosts)
}

// Info parses and summarises the current leaf certificate.
func (m *Manager) Info() (Info, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(m.dir, certFile), filepath.Join(m.dir, keyFile))
	if err != nil {
		return Info{}, fmt.Errorf("load certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return Info{}, fmt.Errorf("parse certificate: %w", err)
	}
	return Info{
		Subject:    leaf.Subject.CommonName,
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		SelfSigned: leaf.Issuer.CommonName == leaf.Subject.CommonName,
	}, nil
}

// Renew forces regeneration. The running listener keeps its old certificate
// until restart; the new material is on disk for the next start.
func (m *Manager) Renew() error {
	for _, name := range []string{certFile, keyFile} {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	_, err := EnsureServerCert(m.dir, m.hosts)
	return err
}
