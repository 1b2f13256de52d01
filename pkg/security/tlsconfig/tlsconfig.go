// Package tlsconfig builds mutual-TLS configurations for the peer transport
// and the management servers from certificate files on disk.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "os"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
)

// reloadTTL bounds how long a loaded certificate is reused before the files
// are read again.
const reloadTTL = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool   `toml:"enable"`
    CAFile             string `toml:"ca_file"`
    CertFile           string `toml:"cert_file"`
    KeyFile            string `toml:"key_file"`
    InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
    ServerName         string `toml:"server_name"`
}

// Validate checks that the files needed by Server are configured.
func (o Options) Validate() error {
    if !o.Enable { return nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return errors.New("tls: server cert/key required when TLS enabled")
    }
    return nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, errors.Wrapf(err, "tls: read CA %s", path) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) {
        return nil, errors.Newf("tls: no certificates found in %s", path)
    }
    return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. With a
// CA file, client certificates are required and verified against it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if err := o.Validate(); err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, errors.Wrap(err, "tls: load server key pair") }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, errors.Wrap(err, "tls: load client key pair") }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// certCache re-reads a key pair from disk at most once per reloadTTL, so
// rotated certificates are picked up without a restart.
type certCache struct {
    certFile, keyFile string

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (c *certCache) load() (*tls.Certificate, error) {
    c.mu.RLock()
    if c.cached != nil && time.Since(c.lastLoad) < reloadTTL {
        cert := c.cached
        c.mu.RUnlock()
        return cert, nil
    }
    c.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
    if err != nil { return nil, errors.Wrap(err, "tls: reload key pair") }
    c.mu.Lock()
    c.cached = &cert
    c.lastLoad = time.Now()
    c.mu.Unlock()
    return &cert, nil
}

// ServerHotReload is Server with the certificate reloaded lazily on
// handshake. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if err := o.Validate(); err != nil { return nil, err }
    cc := &certCache{certFile: o.CertFile, keyFile: o.KeyFile}
    if _, err := cc.load(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return cc.load() }
    return cfg, nil
}

// ClientHotReload is Client with the client certificate reloaded on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := Options{Enable: true, CAFile: o.CAFile, InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName}.Client()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    cc := &certCache{certFile: o.CertFile, keyFile: o.KeyFile}
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return cc.load() }
    return cfg, nil
}
