// Package pki mints zuri's session credential set: a self-signed session
// CA, keypairs signed by it, and short-lived per-endpoint certificates
// minted from CSRs the worker produces at startup.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// DefaultCertificateValidity is the default lifetime of a per-endpoint
// certificate. Kept to single-digit hours; validity is configurable but
// never unbounded.
const DefaultCertificateValidity = 4 * time.Hour

// KeyPair is a certificate and its private key, both in PEM form alongside
// their parsed form for immediate use (e.g. building a tls.Certificate).
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
}

// TLSCertificate adapts the pair into the form crypto/tls wants.
func (kp *KeyPair) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(kp.CertPEM, kp.KeyPEM)
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// GenerateCA mints a self-signed ECDSA P-256 session CA with the given
// common name and validity.
func GenerateCA(commonName string, validity time.Duration) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate ca key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("pki: generate ca serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"zuri"}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create ca certificate: %w", err)
	}

	return keyPairFromDER(der, key)
}

// IssueKeyPair mints a keypair+certificate signed by ca — used for the
// agent's and isolate client's own mTLS identities.
func IssueKeyPair(ca *KeyPair, commonName string, validity time.Duration, dnsNames []string) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"zuri"}},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("pki: create certificate: %w", err)
	}

	return keyPairFromDER(der, key)
}

// GenerateCSR produces the certificate signing request a worker emits at
// startup for one declared endpoint, plus the private key it
// will serve TLS with once the signed certificate comes back.
func GenerateCSR(commonName string, dnsNames []string) (csrPEM, keyPEM []byte, key *ecdsa.PrivateKey, err error) {
	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pki: generate csr key: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName, Organization: []string{"zuri"}},
		DNSNames: dnsNames,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pki: create csr: %w", err)
	}

	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pki: marshal csr key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return csrPEM, keyPEM, key, nil
}

// SignCSR signs a PEM-encoded CSR with ca, producing a PEM certificate
// valid for the given duration — the session CA side of the "RunMachine"
// handshake. Callers must pass a bounded validity;
// DefaultCertificateValidity is the sane default.
func SignCSR(ca *KeyPair, csrPEM []byte, validity time.Duration) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("pki: invalid csr pem")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("pki: csr signature invalid: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}

	if validity <= 0 {
		validity = DefaultCertificateValidity
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     csr.DNSNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, csr.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("pki: sign csr: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func keyPairFromDER(der []byte, key *ecdsa.PrivateKey) (*KeyPair, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("pki: marshal key: %w", err)
	}

	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		Cert:    cert,
		Key:     key,
	}, nil
}

// LoadKeyPair reads a certificate+key pair from disk, e.g. the agent's own
// identity written into the run directory by the isolate client at spawn
// time.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("pki: read certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("pki: read key %s: %w", keyPath, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("pki: invalid certificate pem %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate %s: %w", certPath, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("pki: invalid key pem %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse key %s: %w", keyPath, err)
	}

	return &KeyPair{CertPEM: certPEM, KeyPEM: keyPEM, Cert: cert, Key: key}, nil
}

// LoadCABundle reads a PEM-encoded CA certificate and its private key from
// disk; both files are required. The isolate client uses it to load the
// session CA from an existing agent's run directory.
func LoadCABundle(certPath, keyPath string) (*KeyPair, error) {
	return LoadKeyPair(certPath, keyPath)
}

// TrustPool builds an x509.CertPool from a PEM-encoded root CA bundle, for
// verifying peer certificates against the session CA.
func TrustPool(caBundlePEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBundlePEM) {
		return nil, fmt.Errorf("pki: no certificates found in bundle")
	}
	return pool, nil
}

// ServerTLSConfig builds a mutual-TLS server config: serve identity, require
// and verify client certs against the trust pool.
func ServerTLSConfig(identity *KeyPair, trustPool *x509.CertPool) (*tls.Config, error) {
	cert, err := identity.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("pki: server tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    trustPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds a mutual-TLS client config: client identity,
// verify the server against the trust pool, with an optional ServerName
// override.
func ClientTLSConfig(identity *KeyPair, trustPool *x509.CertPool, serverName string) (*tls.Config, error) {
	cert, err := identity.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("pki: client tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      trustPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
