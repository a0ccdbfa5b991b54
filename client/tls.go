package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"
	"time"
)

// buildTLSConfig returns the TLS settings handed to pgconn. A nil config with a
// nil error leaves the sslmode of the connection string in charge.
func buildTLSConfig(opts ClientOptions, serverName string) (*tls.Config, error) {
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			cfg.ServerName = serverName
		}
		return cfg, nil
	}
	if !opts.TLSEnabled {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.TLSInsecureSkipVerify,
	}

	if opts.TLSCAFile != "" {
		pool, err := loadRootCAs(opts.TLSCAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	switch {
	case opts.TLSCertFile != "" && opts.TLSKeyFile != "":
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			return nil, tlsSetupError("TLS_CLIENT_CERT_FAILED", "failed to load client certificate and key", err,
				map[string]interface{}{"certFile": opts.TLSCertFile, "keyFile": opts.TLSKeyFile})
		}
		cfg.Certificates = []tls.Certificate{cert}
	case opts.TLSCertFile != "" || opts.TLSKeyFile != "":
		// sslcert without sslkey (or the reverse) is rejected by libpq too.
		return nil, tlsSetupError("TLS_CLIENT_CERT_INCOMPLETE", "client certificate and key must be set together", nil,
			map[string]interface{}{"certFile": opts.TLSCertFile, "keyFile": opts.TLSKeyFile})
	}

	return cfg, nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, tlsSetupError("TLS_CA_LOAD_FAILED", "failed to read CA certificate "+path, err,
			map[string]interface{}{"caFile": path})
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, tlsSetupError("TLS_CA_INVALID", "no PEM certificates found in "+path, nil,
			map[string]interface{}{"caFile": path})
	}
	return pool, nil
}

func tlsSetupError(code, message string, cause error, details map[string]interface{}) *ConnectionError {
	return &ConnectionError{
		Code:       code,
		Type:       "CONNECTION_ERROR",
		Message:    message,
		Details:    details,
		Cause:      cause,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// classifyTLSError maps a failed dial to a TLS specific ConnectionError.
// ok is false when err did not come from certificate checks or the handshake.
func classifyTLSError(err error) (connErr *ConnectionError, ok bool) {
	if err == nil {
		return nil, false
	}

	var (
		invalid   x509.CertificateInvalidError
		hostname  x509.HostnameError
		authority x509.UnknownAuthorityError
		header    tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &invalid) && invalid.Reason == x509.Expired:
		return tlsSetupError("TLS_CERT_EXPIRED", "server certificate has expired or is not yet valid", err, nil), true
	case errors.As(err, &invalid):
		return tlsSetupError("TLS_CERT_UNTRUSTED", "server certificate is not valid: "+invalid.Error(), err, nil), true
	case errors.As(err, &hostname):
		return tlsSetupError("TLS_HOSTNAME_MISMATCH", "server certificate does not match host "+hostname.Host, err,
			map[string]interface{}{"host": hostname.Host}), true
	case errors.As(err, &authority):
		return tlsSetupError("TLS_UNKNOWN_CA", "server certificate signed by unknown authority (set TLSCAFile)", err, nil), true
	case errors.As(err, &header):
		return tlsSetupError("TLS_HANDSHAKE_FAILED", "server did not answer with a TLS record", err, nil), true
	case strings.Contains(err.Error(), "server refused TLS connection"):
		return tlsSetupError("TLS_REFUSED", "server does not accept TLS connections (check ssl in postgresql.conf)", err, nil), true
	case strings.Contains(err.Error(), "tls: "):
		return tlsSetupError("TLS_HANDSHAKE_FAILED", "TLS handshake failed", err, nil), true
	}
	return nil, false
}
