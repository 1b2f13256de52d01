// Package tlstest writes a throwaway CA and a localhost key pair for tests.
package tlstest

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/security/tlsconfig"
)

// Write creates ca.pem, node.pem and node-key.pem in dir and returns mTLS
// options pointing at them. The node certificate is valid for both server
// and client auth on localhost and 127.0.0.1.
func Write(t testing.TB, dir string) tlsconfig.Options {
    t.Helper()
    caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    caTmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "rachis test CA"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(24 * time.Hour),
        IsCA:                  true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
    require.NoError(t, err)
    caCert, err := x509.ParseCertificate(caDER)
    require.NoError(t, err)

    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber: big.NewInt(2),
        Subject:      pkix.Name{CommonName: "localhost"},
        DNSNames:     []string{"localhost"},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
    require.NoError(t, err)
    keyDER, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)

    o := tlsconfig.Options{
        Enable:     true,
        CAFile:     filepath.Join(dir, "ca.pem"),
        CertFile:   filepath.Join(dir, "node.pem"),
        KeyFile:    filepath.Join(dir, "node-key.pem"),
        ServerName: "localhost",
    }
    writePEM(t, o.CAFile, "CERTIFICATE", caDER)
    writePEM(t, o.CertFile, "CERTIFICATE", der)
    writePEM(t, o.KeyFile, "EC PRIVATE KEY", keyDER)
    return o
}

func writePEM(t testing.TB, path, typ string, der []byte) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}
