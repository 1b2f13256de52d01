package tlsconfig_test

import (
    "crypto/tls"
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/security/tlsconfig"
    "github.com/amirimatin/go-rachis/pkg/security/tlsconfig/tlstest"
)

func TestDisabledReturnsNil(t *testing.T) {
    var o tlsconfig.Options
    s, err := o.Server()
    require.NoError(t, err)
    require.Nil(t, s)
    c, err := o.Client()
    require.NoError(t, err)
    require.Nil(t, c)
}

func TestServerAndClient(t *testing.T) {
    o := tlstest.Write(t, t.TempDir())

    s, err := o.Server()
    require.NoError(t, err)
    require.Len(t, s.Certificates, 1)
    require.Equal(t, tls.RequireAndVerifyClientCert, s.ClientAuth)

    c, err := o.Client()
    require.NoError(t, err)
    require.NotNil(t, c.RootCAs)
    require.Equal(t, "localhost", c.ServerName)

    hs, err := o.ServerHotReload()
    require.NoError(t, err)
    cert, err := hs.GetCertificate(nil)
    require.NoError(t, err)
    require.NotNil(t, cert)

    hc, err := o.ClientHotReload()
    require.NoError(t, err)
    cert, err = hc.GetClientCertificate(nil)
    require.NoError(t, err)
    require.NotNil(t, cert)
}

func TestMissingFiles(t *testing.T) {
    _, err := tlsconfig.Options{Enable: true}.Server()
    require.Error(t, err)

    dir := t.TempDir()
    bad := filepath.Join(dir, "ca.pem")
    require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
    _, err = tlsconfig.Options{Enable: true, CAFile: bad}.Client()
    require.Error(t, err)
}
