package kanod_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	kanod "github.com/andreigiubleanu/kanod"
)

func TestCert(t *testing.T) {
	suite.Run(t, new(CertTestSuite))
}

type CertTestSuite struct {
	CommonTestSuite
}

func (s *CertTestSuite) pairPaths() (string, string) {
	return filepath.Join(s.LabDir, "cert.pem"), filepath.Join(s.LabDir, "key.pem")
}

func (s *CertTestSuite) parseCert(certPath string) *x509.Certificate {
	raw, err := os.ReadFile(certPath)
	s.Require().NoError(err)
	block, _ := pem.Decode(raw)
	s.Require().NotNil(block)
	s.Require().Equal("CERTIFICATE", block.Type)
	cert, err := x509.ParseCertificate(block.Bytes)
	s.Require().NoError(err)
	return cert
}

func (s *CertTestSuite) TestEnsureTLSPairForIP() {
	certPath, keyPath := s.pairPaths()
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))

	cert := s.parseCert(certPath)
	s.Require().Len(cert.IPAddresses, 1)
	s.Equal("192.168.133.1", cert.IPAddresses[0].String())
	s.Empty(cert.DNSNames)
	s.True(cert.IsCA)
	s.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	// Long-lived on purpose, labs should never hit expiry.
	s.True(cert.NotAfter.After(time.Now().AddDate(9, 0, 0)))

	info, err := os.Stat(keyPath)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0600), info.Mode().Perm(), "key must be owner-only")
}

func (s *CertTestSuite) TestEnsureTLSPairForHostname() {
	certPath, keyPath := s.pairPaths()
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "bmc.lab.local"))

	cert := s.parseCert(certPath)
	s.Contains(cert.DNSNames, "bmc.lab.local")
	s.Empty(cert.IPAddresses)
}

func (s *CertTestSuite) TestEnsureTLSPairKeyParses() {
	certPath, keyPath := s.pairPaths()
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))

	raw, err := os.ReadFile(keyPath)
	s.Require().NoError(err)
	block, _ := pem.Decode(raw)
	s.Require().NotNil(block)
	s.Require().Equal("RSA PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	s.NoError(err)
}

func (s *CertTestSuite) TestEnsureTLSPairReuses() {
	certPath, keyPath := s.pairPaths()
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))
	first, err := os.ReadFile(certPath)
	s.Require().NoError(err)

	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))
	second, err := os.ReadFile(certPath)
	s.Require().NoError(err)
	s.Equal(first, second, "existing pair should be left alone")
}

func (s *CertTestSuite) TestEnsureTLSPairReplacesHalfPair() {
	certPath, keyPath := s.pairPaths()
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))
	first, err := os.ReadFile(certPath)
	s.Require().NoError(err)

	s.Require().NoError(os.Remove(keyPath))
	s.Require().NoError(kanod.EnsureTLSPair(certPath, keyPath, "192.168.133.1"))

	second, err := os.ReadFile(certPath)
	s.Require().NoError(err)
	s.NotEqual(first, second, "a missing key forces a fresh pair")
	_, err = os.Stat(keyPath)
	s.NoError(err)
}
