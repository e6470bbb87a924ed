package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/brine/pkg/log"
	"github.com/rs/zerolog"
)

const dropfileMode os.FileMode = 0400

// Maintenance runs the master's periodic key housekeeping: cluster sync,
// dropfile-triggered rotation and publish_session rotation
type Maintenance struct {
	reg    *Registry
	now    func() time.Time
	logger zerolog.Logger
}

// NewMaintenance creates the loop for reg
func NewMaintenance(reg *Registry) *Maintenance {
	return &Maintenance{
		reg:    reg,
		now:    reg.now,
		logger: log.WithMasterID("maintenance", reg.cfg.ID),
	}
}

// Run ticks every loop_interval until ctx is done
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reg.cfg.LoopInterval)
	defer ticker.Stop()

	m.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one maintenance pass and reports whether it rotated the key
func (m *Maintenance) Tick() bool {
	if err := m.reg.Sync(); err != nil {
		m.logger.Warn().Err(err).Msg("Cluster session key sync failed")
	}

	if m.handleDropfile() {
		return true
	}

	period := m.reg.cfg.PublishSession
	if period <= 0 {
		return false
	}
	if m.now().Sub(m.reg.SessionKeys().RotatedAt) < period {
		return false
	}
	if _, err := m.reg.Rotate("schedule"); err != nil {
		m.logger.Error().Err(err).Msg("Scheduled session key rotation failed")
		return false
	}
	return true
}

// handleDropfile rotates when {cachedir}/.dfn is a 0400 file naming this
// master. The marker is removed only after a successful rotation.
func (m *Maintenance) handleDropfile() bool {
	path := m.reg.cfg.DropfilePath()

	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("Failed to stat rotation dropfile")
		return false
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm() != dropfileMode {
		m.logger.Error().
			Str("path", path).
			Str("mode", fi.Mode().String()).
			Msg("Rotation dropfile has wrong permissions, ignoring")
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("Failed to read rotation dropfile")
		return false
	}
	if strings.TrimSpace(string(data)) != m.reg.cfg.ID {
		m.logger.Debug().Str("path", path).Msg("Rotation dropfile names another master")
		return false
	}

	if _, err := m.reg.Rotate("dropfile"); err != nil {
		m.logger.Error().Err(err).Msg("Dropfile session key rotation failed")
		return false
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to remove rotation dropfile")
	}
	return true
}

// WriteDropfile asks the master with masterID to rotate on its next
// maintenance pass. It returns false when a request is already pending.
func WriteDropfile(cacheDir, masterID string) (bool, error) {
	path := filepath.Join(cacheDir, ".dfn")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return false, fmt.Errorf("failed to create cache dir: %w", err)
	}

	next := path + "-next"
	if err := os.Remove(next); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to clear stale dropfile: %w", err)
	}
	f, err := os.OpenFile(next, os.O_CREATE|os.O_EXCL|os.O_WRONLY, dropfileMode)
	if err != nil {
		return false, fmt.Errorf("failed to create dropfile: %w", err)
	}
	if _, err := f.WriteString(masterID); err != nil {
		f.Close()
		os.Remove(next)
		return false, fmt.Errorf("failed to write dropfile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(next)
		return false, err
	}
	if err := os.Chmod(next, dropfileMode); err != nil {
		os.Remove(next)
		return false, err
	}
	if err := os.Rename(next, path); err != nil {
		os.Remove(next)
		return false, fmt.Errorf("failed to install dropfile: %w", err)
	}
	return true, nil
}
