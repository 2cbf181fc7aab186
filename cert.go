package kanod

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// certValidity outlives any lab by a wide margin so endpoint clients
// never trip over an expired certificate mid-experiment.
const certValidity = 10 * 365 * 24 * time.Hour

var serialNumberLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureTLSPair makes sure a certificate and key exist at the given
// paths, issuing a fresh self-signed pair for host when either file is
// missing. Every endpoint of a lab serves the same pair.
func EnsureTLSPair(certPath, keyPath, host string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		log.WithField("cert", certPath).Debug("reusing existing TLS pair")
		return nil
	}
	return writeTLSPair(certPath, keyPath, host)
}

// writeTLSPair issues a self-signed server certificate for host and
// writes the PEM pair to disk, the key readable by owner only.
func writeTLSPair(certPath, keyPath, host string) error {
	sn, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating private key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"vmok"},
			CommonName:   host,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate for %s: %w", host, err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	if cerr := certOut.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing certificate %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	err = pem.Encode(keyOut, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if kerr := keyOut.Close(); err == nil {
		err = kerr
	}
	if err != nil {
		return fmt.Errorf("writing key %s: %w", keyPath, err)
	}

	log.WithFields(log.Fields{
		"cert": certPath,
		"host": host,
	}).Info("issued TLS pair")
	return nil
}
