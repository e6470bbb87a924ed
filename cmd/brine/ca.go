package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/storage"
	"github.com/cuemby/brine/pkg/types"
	"github.com/spf13/cobra"
)

const sealFile = "ca.seal"

// CA commands
var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the transport certificate authority",
}

var caIssueCmd = &cobra.Command{
	Use:   "issue ID",
	Short: "Issue a transport certificate for a principal",
	Long: `Issue a TLS certificate whose CommonName is the given id.

The CA lives in the master cache database, so run this while the master
is stopped. Copy the output directory to the principal's pki_dir/tls.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		out, _ := cmd.Flags().GetString("out")
		dnsNames, _ := cmd.Flags().GetStringSlice("dns")

		cfg, err := loadMasterConfig(cmd)
		if err != nil {
			return err
		}

		switch types.Role(role) {
		case types.RoleMaster, types.RoleMinion:
		default:
			return fmt.Errorf("unknown role %q", role)
		}

		cache, err := storage.NewBoltStore(cfg.CacheDir)
		if err != nil {
			return err
		}
		defer cache.Close()

		ca, err := openCA(cfg, cache)
		if err != nil {
			return err
		}

		cert, err := ca.IssuePrincipalCertificate(args[0], types.Role(role), dnsNames, nil)
		if err != nil {
			return fmt.Errorf("failed to issue certificate: %v", err)
		}
		if out == "" {
			out = filepath.Join(cfg.CacheDir, "issued", args[0])
		}
		if err := writeCertDir(cert, ca.RootCert(), out); err != nil {
			return err
		}

		fmt.Printf("✓ Issued %s certificate for %s\n", role, args[0])
		fmt.Printf("  Directory: %s\n", out)
		fmt.Printf("  Expires: %s\n", cert.Leaf.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	caCmd.AddCommand(caIssueCmd)

	caIssueCmd.Flags().String("role", string(types.RoleMinion), "Principal role (master or minion)")
	caIssueCmd.Flags().String("out", "", "Output directory (default cachedir/issued/ID)")
	caIssueCmd.Flags().StringSlice("dns", nil, "DNS names to include in the certificate")
}

// loadSealer reads the key that seals the CA root key, creating it on first
// use
func loadSealer(pkiDir string) (*security.Crypticle, error) {
	path := filepath.Join(pkiDir, sealFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key, err := security.GenerateKeyString(256)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(pkiDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create pki dir: %w", err)
		}
		if err := security.WriteFileAtomic(path, []byte(key), 0400); err != nil {
			return nil, err
		}
		data = []byte(key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read seal key: %w", err)
	}
	return security.NewCrypticle(strings.TrimSpace(string(data)))
}

// openCA loads the CA from cache, creating one named after the cluster or
// the master id
func openCA(cfg *config.MasterConfig, cache storage.Cache) (*security.CertAuthority, error) {
	sealer, err := loadSealer(cfg.PKIDir)
	if err != nil {
		return nil, err
	}
	name := cfg.ClusterID
	if name == "" {
		name = cfg.ID
	}
	ca := security.NewCertAuthority(cache)
	if err := ca.LoadOrInitialize(name, sealer); err != nil {
		return nil, fmt.Errorf("failed to load CA: %v", err)
	}
	return ca, nil
}

func writeCertDir(cert *tls.Certificate, root *x509.Certificate, dir string) error {
	if err := security.SaveCertToFile(cert, dir); err != nil {
		return err
	}
	return security.SaveCACertToFile(root, dir)
}

// masterTLS returns the listener TLS configuration, issuing the master's own
// certificate when it has none or it is close to expiry
func masterTLS(cfg *config.MasterConfig, cache storage.Cache) (*tls.Config, error) {
	if !cfg.SSL {
		return nil, nil
	}
	ca, err := openCA(cfg, cache)
	if err != nil {
		return nil, err
	}

	dir := security.CertDir(cfg.PKIDir)
	var cert *tls.Certificate
	if security.CertExists(dir) {
		if cert, err = security.LoadCertFromFile(dir); err != nil {
			return nil, err
		}
	}
	if cert == nil || security.CertNeedsRotation(cert.Leaf) {
		host, _ := os.Hostname()
		cert, err = ca.IssuePrincipalCertificate(cfg.ID, types.RoleMaster, []string{host, "localhost"}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to issue master certificate: %v", err)
		}
		if err := writeCertDir(cert, ca.RootCert(), dir); err != nil {
			return nil, err
		}
	}
	return security.ServerTLSConfig(cert, ca.RootCert(), cfg.SSLCertReqs)
}

// minionTLS loads the minion's issued certificate from pki_dir/tls
func minionTLS(cfg *config.MinionConfig, serverName string) (*tls.Config, error) {
	if !cfg.SSL {
		return nil, nil
	}
	dir := security.CertDir(cfg.PKIDir)
	if !security.CertExists(dir) {
		return nil, fmt.Errorf("no certificate in %s, issue one with 'brine ca issue %s'", dir, cfg.ID)
	}
	cert, err := security.LoadCertFromFile(dir)
	if err != nil {
		return nil, err
	}
	root, err := security.LoadCACertFromFile(dir)
	if err != nil {
		return nil, err
	}
	if err := security.ValidateCertChain(cert.Leaf, root); err != nil {
		return nil, err
	}
	return security.ClientTLSConfig(cert, root, serverName), nil
}
