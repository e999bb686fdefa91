package certs

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureServerCert(t *testing.T) {
	dir := t.TempDir()

	cert, err := EnsureServerCert(dir, []string{"fleet.example", "192.168.1.50"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "fleet-server" {
		t.Errorf("cn = %q", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("fleet.example"); err != nil {
		t.Errorf("extra dns san missing: %v", err)
	}
	if err := leaf.VerifyHostname("192.168.1.50"); err != nil {
		t.Errorf("extra ip san missing: %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost san missing: %v", err)
	}

	t.Run("file permissions", func(t *testing.T) {
		keyInfo, err := os.Stat(filepath.Join(dir, keyFile))
		if err != nil {
			t.Fatal(err)
		}
		if keyInfo.Mode().Perm() != 0o600 {
			t.Errorf("key mode = %o, want 0600", keyInfo.Mode().Perm())
		}
		certInfo, _ := os.Stat(filepath.Join(dir, certFile))
		if certInfo.Mode().Perm() != 0o644 {
			t.Errorf("cert mode = %o, want 0644", certInfo.Mode().Perm())
		}
	})

	t.Run("reuses existing cert", func(t *testing.T) {
		again, err := EnsureServerCert(dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		leaf2, _ := x509.ParseCertificate(again.Certificate[0])
		if leaf2.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
			t.Error("valid cert regenerated on second call")
		}
	})
}
