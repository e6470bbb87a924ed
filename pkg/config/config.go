package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Log holds logging settings
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Common holds settings shared by masters and minions
type Common struct {
	ID       string `yaml:"id"`
	PKIDir   string `yaml:"pki_dir"`
	CacheDir string `yaml:"cachedir"`
	KeySize  int    `yaml:"keysize"`

	// Transport settings. SSL enables TLS on the gRPC transport.
	Transport         string `yaml:"transport"`
	SSL               bool   `yaml:"ssl"`
	SSLCertReqs       string `yaml:"ssl_cert_reqs"`
	DisableAESWithTLS bool   `yaml:"disable_aes_with_tls"`

	MetricsAddr string `yaml:"metrics_addr"`
	Log         Log    `yaml:"log"`
}

// MasterConfig configures a master process
type MasterConfig struct {
	Common `yaml:",inline"`

	Listen        string `yaml:"listen"`
	PublishPort   int    `yaml:"publish_port"`
	WorkerThreads int    `yaml:"worker_threads"`

	// ConnIdleTimeout closes minion connections that stay silent this long.
	// Zero disables it.
	ConnIdleTimeout time.Duration `yaml:"conn_idle_timeout"`

	AutoAccept bool `yaml:"auto_accept"`
	MaxMinions int  `yaml:"max_minions"`
	AuthEvents bool `yaml:"auth_events"`

	AESKeySize       int           `yaml:"aes_key_size"`
	LoopInterval     time.Duration `yaml:"loop_interval"`
	PublishSession   time.Duration `yaml:"publish_session"`
	PreviousKeyGrace time.Duration `yaml:"previous_key_grace"`

	ClusterID      string   `yaml:"cluster_id"`
	ClusterPKIDir  string   `yaml:"cluster_pki_dir"`
	ClusterPeers   []string `yaml:"cluster_peers"`
	ClusterBackend string   `yaml:"cluster_backend"`
	RaftBind       string   `yaml:"raft_bind"`
	RaftDir        string   `yaml:"raft_dir"`
}

// MinionConfig configures a minion process
type MinionConfig struct {
	Common `yaml:",inline"`

	Masters []string `yaml:"master"`

	AuthTimeout           time.Duration `yaml:"auth_timeout"`
	AuthTries             int           `yaml:"auth_tries"`
	AcceptanceWaitTime    time.Duration `yaml:"acceptance_wait_time"`
	AcceptanceWaitTimeMax time.Duration `yaml:"acceptance_wait_time_max"`
	RejectedRetry         bool          `yaml:"rejected_retry"`
	MasterFinger          string        `yaml:"master_finger"`
	AuthEvents            bool          `yaml:"auth_events"`
}

const (
	// ClusterBackendShared converges masters through files in cluster_pki_dir
	ClusterBackendShared = "shared"
	// ClusterBackendRaft converges masters through a Raft log
	ClusterBackendRaft = "raft"
)

// DefaultMaster returns a master configuration rooted at /etc/brine and
// /var/cache/brine
func DefaultMaster() *MasterConfig {
	return &MasterConfig{
		Common: Common{
			ID:          "master",
			PKIDir:      "/etc/brine/pki/master",
			CacheDir:    "/var/cache/brine/master",
			KeySize:     4096,
			Transport:   "tcp",
			SSLCertReqs: "required",
			MetricsAddr: "127.0.0.1:9506",
			Log:         Log{Level: "info"},
		},
		Listen:           "0.0.0.0:4506",
		PublishPort:      4505,
		WorkerThreads:    5,
		ConnIdleTimeout:  5 * time.Minute,
		AuthEvents:       true,
		AESKeySize:       192,
		LoopInterval:     60 * time.Second,
		PublishSession:   24 * time.Hour,
		PreviousKeyGrace: 5 * time.Minute,
		ClusterBackend:   ClusterBackendShared,
	}
}

// DefaultMinion returns a minion configuration rooted at /etc/brine
func DefaultMinion() *MinionConfig {
	host, _ := os.Hostname()
	return &MinionConfig{
		Common: Common{
			ID:          host,
			PKIDir:      "/etc/brine/pki/minion",
			CacheDir:    "/var/cache/brine/minion",
			KeySize:     2048,
			Transport:   "tcp",
			SSLCertReqs: "required",
			Log:         Log{Level: "info"},
		},
		Masters:            []string{"127.0.0.1:4506"},
		AuthTimeout:        5 * time.Second,
		AuthTries:          7,
		AcceptanceWaitTime: 10 * time.Second,
	}
}

// LoadMaster reads path over the master defaults. An empty path returns the
// defaults.
func LoadMaster(path string) (*MasterConfig, error) {
	cfg := DefaultMaster()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMinion reads path over the minion defaults. An empty path returns the
// defaults.
func LoadMinion(path string) (*MinionConfig, error) {
	cfg := DefaultMinion()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks settings shared by both roles
func (c *Common) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.PKIDir == "" {
		errs = append(errs, errors.New("pki_dir is required"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cachedir is required"))
	}
	if c.KeySize < 2048 {
		errs = append(errs, fmt.Errorf("keysize %d is below 2048", c.KeySize))
	}
	switch c.SSLCertReqs {
	case "required", "optional", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown ssl_cert_reqs %q", c.SSLCertReqs))
	}
	return errors.Join(errs...)
}

// Validate checks the master configuration
func (c *MasterConfig) Validate() error {
	errs := []error{c.Common.Validate()}
	if c.WorkerThreads < 1 {
		errs = append(errs, errors.New("worker_threads must be at least 1"))
	}
	switch c.AESKeySize {
	case 128, 192, 256:
	default:
		errs = append(errs, fmt.Errorf("aes_key_size %d is not 128, 192 or 256", c.AESKeySize))
	}
	if c.ConnIdleTimeout < 0 {
		errs = append(errs, errors.New("conn_idle_timeout cannot be negative"))
	}
	if c.LoopInterval <= 0 {
		errs = append(errs, errors.New("loop_interval must be positive"))
	}
	if c.PreviousKeyGrace < 0 {
		errs = append(errs, errors.New("previous_key_grace cannot be negative"))
	}
	if c.MaxMinions < 0 {
		errs = append(errs, errors.New("max_minions cannot be negative"))
	}
	if c.ClusterID != "" {
		if c.ClusterPKIDir == "" {
			errs = append(errs, errors.New("cluster_pki_dir is required with cluster_id"))
		}
		switch c.ClusterBackend {
		case ClusterBackendShared:
		case ClusterBackendRaft:
			if c.RaftBind == "" {
				errs = append(errs, errors.New("raft_bind is required with the raft cluster backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown cluster_backend %q", c.ClusterBackend))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the minion configuration
func (c *MinionConfig) Validate() error {
	errs := []error{c.Common.Validate()}
	if len(c.Masters) == 0 {
		errs = append(errs, errors.New("at least one master is required"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("auth_timeout must be positive"))
	}
	if c.AuthTries < 1 {
		errs = append(errs, errors.New("auth_tries must be at least 1"))
	}
	if c.AcceptanceWaitTime < 0 || c.AcceptanceWaitTimeMax < 0 {
		errs = append(errs, errors.New("acceptance wait times cannot be negative"))
	}
	return errors.Join(errs...)
}

// DropfilePath returns the rotation marker path in the master cache dir
func (c *MasterConfig) DropfilePath() string {
	return filepath.Join(c.CacheDir, ".dfn")
}

// RaftDataDir returns the Raft data directory, defaulting under cachedir
func (c *MasterConfig) RaftDataDir() string {
	if c.RaftDir != "" {
		return c.RaftDir
	}
	return filepath.Join(c.CacheDir, "raft")
}
