package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// leafValidity keeps minted certificates short-lived; the cache is
// per-process so expiry across restarts is a non-issue.
const leafValidity = 90 * 24 * time.Hour

// CertAuthority mints per-host leaf certificates from a configured CA so
// CONNECT traffic can be inspected. Hosts are cached after first use.
type CertAuthority struct {
	caCert *x509.Certificate
	caKey  crypto.Signer

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// NewCertAuthority loads the CA certificate and key from PEM files.
func NewCertAuthority(certPath, keyPath string) (*CertAuthority, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA keypair: %w", err)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key type %T cannot sign", pair.PrivateKey)
	}
	return &CertAuthority{
		caCert: caCert,
		caKey:  signer,
		cache:  make(map[string]*tls.Certificate),
	}, nil
}

// CertFor returns a leaf certificate valid for host, minting and caching
// one on first use.
func (a *CertAuthority) CertFor(host string) (*tls.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cert, ok := a.cache[host]; ok {
		return cert, nil
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, leafKey.Public(), a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign leaf for %s: %w", host, err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, a.caCert.Raw},
		PrivateKey:  leafKey,
	}
	a.cache[host] = cert
	return cert, nil
}
