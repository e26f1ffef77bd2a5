package server

import (
	"crypto/tls"
	"fmt"
)

// LoadTLSConfig loads a certificate pair and returns the server-side TLS
// configuration shared by the implicit-TLS listeners and in-band upgrades.
func LoadTLSConfig(certFile, keyFile string, nextProtos ...string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates:             []tls.Certificate{cert},
		MinVersion:               tls.VersionTLS12,
		ClientAuth:               tls.NoClientCert,
		NextProtos:               nextProtos,
		PreferServerCipherSuites: true,
		Renegotiation:            tls.RenegotiateNever,
	}, nil
}
