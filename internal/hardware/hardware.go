// Package hardware produces and validates the machine fingerprint used by
// node-locked licensing.
package hardware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Identifier is the machine fingerprint port. Implementations must be
// deterministic for unchanged hardware and stable across process restarts.
type Identifier interface {
	Get() (string, error)
	Validate(candidate string) bool
}

// DefaultIdentifier fingerprints the host from its name, current user, OS,
// and wired MAC addresses. The fingerprint is computed once and cached.
type DefaultIdentifier struct {
	once        sync.Once
	fingerprint string
	err         error
}

// NewDefaultIdentifier returns the default fingerprint implementation.
func NewDefaultIdentifier() *DefaultIdentifier { return &DefaultIdentifier{} }

// Get returns the fingerprint for this machine.
func (d *DefaultIdentifier) Get() (string, error) {
	d.once.Do(func() {
		d.fingerprint, d.err = computeFingerprint()
	})
	return d.fingerprint, d.err
}

// Validate reports whether candidate matches this machine's fingerprint.
func (d *DefaultIdentifier) Validate(candidate string) bool {
	current, err := d.Get()
	if err != nil {
		return false
	}
	return candidate != "" && candidate == current
}

func computeFingerprint() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}

	macs, err := stableMACAddresses()
	if err != nil {
		return "", err
	}

	seed := strings.Join([]string{
		hostname,
		userName,
		runtime.GOOS,
		runtime.GOARCH,
		strings.Join(macs, ","),
	}, "|")

	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]), nil
}

// stableMACAddresses returns the sorted MAC addresses of physical-looking
// interfaces. Wireless and container pseudo-interfaces churn across reboots
// and are excluded.
func stableMACAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVolatileInterface(iface.Name) {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs, nil
}

func isVolatileInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range []string{"wlan", "wl", "wifi", "docker", "veth", "br-", "virbr", "tun", "tap"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// StaticIdentifier is a fixed-fingerprint Identifier for tests and for
// server-side validation of client-reported ids.
type StaticIdentifier string

// Get returns the fixed fingerprint.
func (s StaticIdentifier) Get() (string, error) { return string(s), nil }

// Validate compares the candidate to the fixed fingerprint.
func (s StaticIdentifier) Validate(candidate string) bool { return candidate == string(s) }
