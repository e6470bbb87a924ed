package security

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/brine/pkg/storage"
	"github.com/cuemby/brine/pkg/types"
)

func TestCertAuthorityIssueAndVerify(t *testing.T) {
	ca := NewCertAuthority(storage.NewMemoryStore())
	require.NoError(t, ca.Initialize("brine-test"))
	require.True(t, ca.IsInitialized())
	assert.True(t, ca.RootCert().IsCA)

	cert, err := ca.IssuePrincipalCertificate("web01", types.RoleMinion, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	assert.Equal(t, "web01", PeerIdentity(cert.Leaf))
	assert.Equal(t, []string{"minion"}, cert.Leaf.Subject.OrganizationalUnit)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	require.NoError(t, ca.VerifyCertificate(cert.Leaf))

	cached, ok := ca.GetCachedCert("web01")
	require.True(t, ok)
	assert.Equal(t, cert.Leaf.SerialNumber, cached.Cert.SerialNumber)

	other := NewCertAuthority(storage.NewMemoryStore())
	require.NoError(t, other.Initialize("other"))
	assert.Error(t, other.VerifyCertificate(cert.Leaf))

	_, err = ca.IssuePrincipalCertificate("", types.RoleMinion, nil, nil)
	assert.Error(t, err)
}

func TestCertAuthorityUninitialized(t *testing.T) {
	ca := NewCertAuthority(storage.NewMemoryStore())
	assert.False(t, ca.IsInitialized())

	_, err := ca.IssuePrincipalCertificate("web01", types.RoleMinion, nil, nil)
	assert.Error(t, err)

	sealer := newTestCrypticle(t)
	assert.Error(t, ca.SaveToStore(sealer))
	assert.ErrorIs(t, ca.LoadFromStore(sealer), storage.ErrNotFound)
}

func TestCertAuthorityPersistence(t *testing.T) {
	cache := storage.NewMemoryStore()
	sealer := newTestCrypticle(t)

	ca := NewCertAuthority(cache)
	require.NoError(t, ca.LoadOrInitialize("brine-test", sealer))

	loaded := NewCertAuthority(cache)
	require.NoError(t, loaded.LoadOrInitialize("brine-test", sealer))
	assert.Equal(t, ca.RootCert().Raw, loaded.RootCert().Raw)

	// Issued by the reloaded CA, verified by the original
	cert, err := loaded.IssuePrincipalCertificate("master1", types.RoleMaster, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ca.VerifyCertificate(cert.Leaf))

	// The root key cannot be unsealed with another key
	wrong := NewCertAuthority(cache)
	assert.ErrorIs(t, wrong.LoadFromStore(newTestCrypticle(t)), ErrDecode)
}

func TestCertFiles(t *testing.T) {
	ca := NewCertAuthority(storage.NewMemoryStore())
	require.NoError(t, ca.Initialize("brine-test"))
	cert, err := ca.IssuePrincipalCertificate("web01", types.RoleMinion, nil, nil)
	require.NoError(t, err)

	dir := CertDir(t.TempDir())
	assert.False(t, CertExists(dir))

	require.NoError(t, SaveCertToFile(cert, dir))
	require.NoError(t, SaveCACertToFile(ca.RootCert(), dir))
	assert.True(t, CertExists(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	loaded, err := LoadCertFromFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "web01", loaded.Leaf.Subject.CommonName)

	root, err := LoadCACertFromFile(dir)
	require.NoError(t, err)
	require.NoError(t, ValidateCertChain(loaded.Leaf, root))

	assert.False(t, CertNeedsRotation(loaded.Leaf))
	assert.True(t, CertNeedsRotation(nil))
}

func TestTLSConfigs(t *testing.T) {
	ca := NewCertAuthority(storage.NewMemoryStore())
	require.NoError(t, ca.Initialize("brine-test"))
	cert, err := ca.IssuePrincipalCertificate("master", types.RoleMaster, []string{"localhost"}, nil)
	require.NoError(t, err)

	for reqs, want := range map[string]tls.ClientAuthType{
		CertReqsRequired: tls.RequireAndVerifyClientCert,
		CertReqsOptional: tls.VerifyClientCertIfGiven,
		CertReqsNone:     tls.NoClientCert,
	} {
		cfg, err := ServerTLSConfig(cert, ca.RootCert(), reqs)
		require.NoError(t, err)
		assert.Equal(t, want, cfg.ClientAuth)
	}

	_, err = ServerTLSConfig(cert, ca.RootCert(), "sometimes")
	assert.Error(t, err)

	client := ClientTLSConfig(nil, ca.RootCert(), "localhost")
	assert.Empty(t, client.Certificates)
	assert.Equal(t, "localhost", client.ServerName)
}
