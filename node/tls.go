// node/tls.go
package node

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"

	"nullifier/config"
)

// generateSelfSignedCert 内存中生成 ECDSA P-256 自签名证书
func generateSelfSignedCert(validity time.Duration, hosts ...string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(validity)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"OPRF Node"},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			if !ip.IsUnspecified() {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{derBytes}, PrivateKey: priv}, nil
}

// ServerTLSConfig 证书文件优先，否则自签名；ALPN 同时支持 h3 与 http/1.1
func ServerTLSConfig(cfg *config.NodeConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.Server.CertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load certificate")
		}
	} else {
		host, _, _ := net.SplitHostPort(cfg.BindAddr)
		days := cfg.Server.CertValidityDays
		if days <= 0 {
			days = 365
		}
		cert, err = generateSelfSignedCert(time.Duration(days)*24*time.Hour, host)
		if err != nil {
			return nil, errors.Wrap(err, "generate certificate")
		}
	}

	minVersion := uint16(tls.VersionTLS13)
	if cfg.Server.TLSMinVersion == "1.2" {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		NextProtos:   []string{"h3", "http/1.1"},
	}, nil
}
