package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// Fingerprint sources recorded with the persisted identity.
const (
	SourceHardware = "hardware"
	SourceRandom   = "random"
)

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 32

// Hardware holds the stable attributes a fingerprint is derived from.
type Hardware struct {
	MachineID string
	Hostname  string
	MACs      []string
}

// usable reports whether there is enough to derive a stable fingerprint.
// A hostname alone is too easy to change.
func (h Hardware) usable() bool {
	return h.MachineID != "" || len(h.MACs) > 0
}

// HardwareProbe reads the local hardware attributes.
type HardwareProbe func() (Hardware, error)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// ProbeHardware reads machine-id, hostname and the MAC addresses of
// non-loopback interfaces. Missing inputs are left empty.
func ProbeHardware() (Hardware, error) {
	var hw Hardware
	for _, p := range machineIDPaths {
		data, err := os.ReadFile(p)
		if err == nil {
			hw.MachineID = strings.TrimSpace(string(data))
			break
		}
	}

	if host, err := os.Hostname(); err == nil {
		hw.Hostname = host
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return hw, nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		hw.MACs = append(hw.MACs, iface.HardwareAddr.String())
	}
	slices.Sort(hw.MACs)
	hw.MACs = slices.Compact(hw.MACs)
	return hw, nil
}

// DeriveFingerprint hashes the hardware attributes with domain separation.
// The same attributes always produce the same fingerprint.
func DeriveFingerprint(hw Hardware) (string, error) {
	macs := make(canonical.Array, len(hw.MACs))
	sorted := slices.Clone(hw.MACs)
	slices.Sort(sorted)
	for i, m := range sorted {
		macs[i] = canonical.String(strings.ToLower(m))
	}
	doc := canonical.Object{
		"hostname":   canonical.String(hw.Hostname),
		"machine_id": canonical.String(hw.MachineID),
		"macs":       macs,
	}
	digest, err := canonical.Digest(canonical.DomainFingerprint, doc)
	if err != nil {
		return "", fmt.Errorf("derive fingerprint: %w", err)
	}
	return digest[:fingerprintLen], nil
}

// GetOrCreateFingerprint returns the persisted fingerprint, deriving and
// persisting one on first use. If the hardware cannot be read, a random UUID
// is persisted instead so the identity is stable from then on.
func (m *Manager) GetOrCreateFingerprint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.LoadIdentity(ctx)
	if err == nil {
		return id.Fingerprint, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", syncerr.Storage("identity.fingerprint", err)
	}

	candidate := store.Identity{Source: SourceHardware}
	hw, probeErr := m.probe()
	if probeErr == nil && hw.usable() {
		candidate.Fingerprint, probeErr = DeriveFingerprint(hw)
	}
	if probeErr != nil || candidate.Fingerprint == "" {
		m.logger.Warn("hardware fingerprint unavailable, using random identity", "error", probeErr)
		candidate = store.Identity{Fingerprint: uuid.NewString(), Source: SourceRandom}
	}

	saved, err := m.store.SaveIdentity(ctx, candidate)
	if err != nil {
		return "", syncerr.Storage("identity.fingerprint", err)
	}
	m.logger.Info("device fingerprint created", "fingerprint", saved.Fingerprint, "source", saved.Source)
	return saved.Fingerprint, nil
}
