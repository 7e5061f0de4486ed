package node

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/config"
)

func TestSelfSignedServerTLSConfig(t *testing.T) {
	cfg := config.DefaultNodeConfig()
	cfg.BindAddr = "10.0.0.7:4321"
	tlsConfig, err := ServerTLSConfig(cfg)
	require.NoError(t, err)
	assert.Contains(t, tlsConfig.NextProtos, "h3")
	require.Len(t, tlsConfig.Certificates, 1)

	leaf, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))
	assert.NoError(t, leaf.VerifyHostname("10.0.0.7"))
}

func TestServerTLSConfigMissingFiles(t *testing.T) {
	cfg := config.DefaultNodeConfig()
	cfg.Server.CertFile = "/nonexistent/cert.pem"
	cfg.Server.KeyFile = "/nonexistent/key.pem"
	_, err := ServerTLSConfig(cfg)
	assert.Error(t, err)
}
