// Package identity derives a stable, privacy-preserving machine identifier
// from hardware attributes. The identifier is the SHA-256 digest of a
// canonical fingerprint string, so raw hardware identifiers never leave the
// local cache. Every probe is best-effort: a missing tool or permission
// denial degrades that one attribute to absent instead of failing the
// computation.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// fingerprintDelimiter joins fingerprint components. Fixed by contract:
	// changing it changes every machine identifier in the field.
	fingerprintDelimiter = "|"

	cacheDuration = 1 * time.Hour
	probeTimeout  = 5 * time.Second
)

var machineIDPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Components are the raw hardware attributes a fingerprint is derived from.
// They are cached alongside the digest so later launches can diff them for
// hardware drift.
type Components struct {
	Platform     string    `json:"platform"`
	Arch         string    `json:"arch"`
	Hostname     string    `json:"hostname"`
	CPUModel     string    `json:"cpu_model,omitempty"`
	CPUCores     int       `json:"cpu_cores,omitempty"`
	MACAddresses []string  `json:"mac_addresses,omitempty"`
	SystemUUID   string    `json:"system_uuid,omitempty"`
	BoardSerial  string    `json:"board_serial,omitempty"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Fingerprint pairs the derived machine identifier with the components that
// produced it.
type Fingerprint struct {
	MachineID  string     `json:"machine_id"`
	Components Components `json:"components"`
}

// Generator computes and caches machine fingerprints.
type Generator struct {
	mu          sync.RWMutex
	cache       *Fingerprint
	cacheExpiry time.Time
	logger      *slog.Logger

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

// NewGenerator creates a fingerprint generator.
func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		logger:     logger.With(slog.String("component", "identity")),
		runCommand: runCommand,
	}
}

// MachineID returns the 64-hex-char machine identifier, generating and
// caching the fingerprint on first use.
func (g *Generator) MachineID(ctx context.Context) (string, error) {
	fp, err := g.Fingerprint(ctx)
	if err != nil {
		return "", err
	}
	return fp.MachineID, nil
}

// Fingerprint returns the cached fingerprint, regenerating it when the cache
// has expired.
func (g *Generator) Fingerprint(ctx context.Context) (*Fingerprint, error) {
	g.mu.RLock()
	if g.cache != nil && time.Now().Before(g.cacheExpiry) {
		cached := *g.cache
		g.mu.RUnlock()
		return &cached, nil
	}
	g.mu.RUnlock()

	return g.Regenerate(ctx)
}

// Regenerate recollects hardware attributes and recomputes the identifier,
// replacing the cache. Used on explicit reset/deactivation.
func (g *Generator) Regenerate(ctx context.Context) (*Fingerprint, error) {
	start := time.Now()
	components := g.Collect(ctx)

	fp := &Fingerprint{
		MachineID:  ComputeMachineID(components),
		Components: components,
	}

	g.mu.Lock()
	g.cache = fp
	g.cacheExpiry = time.Now().Add(cacheDuration)
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "machine fingerprint generated",
		slog.String("machine_id_prefix", fp.MachineID[:16]),
		slog.Int("mac_count", len(components.MACAddresses)),
		slog.Bool("has_system_uuid", components.SystemUUID != ""),
		slog.Bool("has_board_serial", components.BoardSerial != ""),
		slog.Duration("elapsed", time.Since(start)),
	)

	return fp, nil
}

// ClearCache drops the cached fingerprint. Used for manual device
// deactivation.
func (g *Generator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = nil
	g.cacheExpiry = time.Time{}
}

// Collect gathers all hardware attributes. The slow platform probes (system
// UUID, board serial) run concurrently under a shared deadline; each failure
// leaves its attribute empty.
func (g *Generator) Collect(ctx context.Context) Components {
	c := Components{
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		CollectedAt: time.Now(),
	}

	if hostname, err := os.Hostname(); err == nil {
		c.Hostname = strings.ToLower(strings.TrimSpace(hostname))
	} else {
		g.logger.WarnContext(ctx, "hostname unavailable", slog.String("error", err.Error()))
	}

	c.MACAddresses = physicalMACAddresses()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var grp errgroup.Group
	grp.Go(func() error {
		c.CPUModel = g.cpuModel(probeCtx)
		return nil
	})
	grp.Go(func() error {
		c.SystemUUID = g.systemUUID(probeCtx)
		return nil
	})
	grp.Go(func() error {
		c.BoardSerial = g.boardSerial(probeCtx)
		return nil
	})
	grp.Wait() //nolint:errcheck // probes never return errors, they degrade

	return c
}

// ComputeMachineID hashes the canonical fingerprint string of the given
// components. Components are concatenated in a fixed order with a fixed
// delimiter; absent attributes are skipped rather than encoded as empties.
func ComputeMachineID(c Components) string {
	parts := []string{c.Platform, c.Arch, c.Hostname}

	if c.CPUModel != "" {
		parts = append(parts, c.CPUModel, strconv.Itoa(c.CPUCores))
	}
	parts = append(parts, c.MACAddresses...)
	if c.SystemUUID != "" {
		parts = append(parts, c.SystemUUID)
	}
	if c.BoardSerial != "" {
		parts = append(parts, c.BoardSerial)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, fingerprintDelimiter)))
	return hex.EncodeToString(sum[:])
}

// IsValidMachineID reports whether id is a well-formed machine identifier:
// exactly 64 lowercase hex characters.
func IsValidMachineID(id string) bool {
	return machineIDPattern.MatchString(id)
}

// physicalMACAddresses returns the sorted MAC addresses of non-loopback,
// non-virtual interfaces that are up.
func physicalMACAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVirtualInterfaceName(iface.Name) {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}

	sort.Strings(macs)
	return macs
}

func isVirtualInterfaceName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"virtual", "vmware", "vbox", "docker", "veth", "br-"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// cpuModel returns the CPU model string, platform-appropriately.
func (g *Generator) cpuModel(ctx context.Context) string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err != nil {
			return ""
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				if _, value, found := strings.Cut(line, ":"); found {
					return strings.TrimSpace(value)
				}
			}
		}
	case "darwin":
		out, err := g.runCommand(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
		if err == nil {
			return strings.TrimSpace(out)
		}
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return strings.TrimSpace(procID)
		}
	}
	return ""
}

// systemUUID returns a platform-specific stable system identifier.
func (g *Generator) systemUUID(ctx context.Context) string {
	switch runtime.GOOS {
	case "windows":
		out, err := g.runCommand(ctx, "wmic", "csproduct", "get", "uuid")
		if err != nil {
			return ""
		}
		uuid := secondNonEmptyLine(out)
		if uuid == "FFFFFFFF-FFFF-FFFF-FFFF-FFFFFFFFFFFF" {
			return ""
		}
		return uuid
	case "darwin":
		out, err := g.runCommand(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if err != nil {
			return ""
		}
		m := regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`).FindStringSubmatch(out)
		if len(m) == 2 {
			return m[1]
		}
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// boardSerial returns the motherboard serial number, best-effort. Vendors
// commonly ship placeholder strings; those are treated as absent.
func (g *Generator) boardSerial(ctx context.Context) string {
	var serial string
	switch runtime.GOOS {
	case "windows":
		out, err := g.runCommand(ctx, "wmic", "baseboard", "get", "serialnumber")
		if err != nil {
			return ""
		}
		serial = secondNonEmptyLine(out)
	case "darwin":
		out, err := g.runCommand(ctx, "system_profiler", "SPHardwareDataType")
		if err != nil {
			return ""
		}
		m := regexp.MustCompile(`Serial Number[^:]*:\s*(.+)`).FindStringSubmatch(out)
		if len(m) == 2 {
			serial = strings.TrimSpace(m[1])
		}
	case "linux":
		data, err := os.ReadFile("/sys/class/dmi/id/board_serial")
		if err != nil {
			return ""
		}
		serial = strings.TrimSpace(string(data))
	}

	if isPlaceholderSerial(serial) {
		return ""
	}
	return serial
}

func isPlaceholderSerial(serial string) bool {
	switch serial {
	case "", "To be filled by O.E.M.", "Default string", "None":
		return true
	}
	return false
}

// secondNonEmptyLine parses wmic-style output: a header line followed by the
// value.
func secondNonEmptyLine(out string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) < 2 {
		return ""
	}
	return lines[1]
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("identity probe %s: %w", name, err)
	}
	return string(out), nil
}
