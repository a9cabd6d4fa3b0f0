package identity

import (
	"context"
	"runtime"
	"strings"
)

// DriftSeverity classifies how suspicious a hardware change is.
type DriftSeverity string

const (
	SeverityNone     DriftSeverity = "none"
	SeverityMinor    DriftSeverity = "minor"
	SeverityMajor    DriftSeverity = "major"
	SeverityCritical DriftSeverity = "critical"
)

// DriftReport describes the difference between a previously cached set of
// hardware components and the current one.
type DriftReport struct {
	Changed        bool          `json:"changed"`
	ChangedFields  []string      `json:"changed_fields,omitempty"`
	Severity       DriftSeverity `json:"severity"`
	Recommendation string        `json:"recommendation"`
}

// Severity ranking per field. System UUID and board serial survive OS
// reinstalls, so a change there almost always means a different physical
// machine. CPU and network hardware changes are major but can be legitimate
// upgrades. Hostnames are renamed casually.
var driftSeverityByField = map[string]DriftSeverity{
	"system_uuid":   SeverityCritical,
	"board_serial":  SeverityCritical,
	"cpu":           SeverityMajor,
	"mac_addresses": SeverityMajor,
	"hostname":      SeverityMinor,
	"platform":      SeverityCritical,
	"arch":          SeverityCritical,
}

var driftRecommendations = map[DriftSeverity]string{
	SeverityNone:     "no hardware change detected",
	SeverityMinor:    "minor change, continue normally",
	SeverityMajor:    "significant hardware change, revalidate online soon",
	SeverityCritical: "identifier-bearing hardware changed, full revalidation required",
}

// DetectDrift compares two component snapshots and reports what changed,
// rated by the most severe changed field.
func DetectDrift(cached, current Components) DriftReport {
	var changed []string

	if cached.Platform != current.Platform {
		changed = append(changed, "platform")
	}
	if cached.Arch != current.Arch {
		changed = append(changed, "arch")
	}
	if cached.Hostname != current.Hostname {
		changed = append(changed, "hostname")
	}
	if cached.CPUModel != current.CPUModel || cached.CPUCores != current.CPUCores {
		changed = append(changed, "cpu")
	}
	if !equalStringSlices(cached.MACAddresses, current.MACAddresses) {
		changed = append(changed, "mac_addresses")
	}
	if cached.SystemUUID != current.SystemUUID {
		changed = append(changed, "system_uuid")
	}
	if cached.BoardSerial != current.BoardSerial {
		changed = append(changed, "board_serial")
	}

	if len(changed) == 0 {
		return DriftReport{
			Severity:       SeverityNone,
			Recommendation: driftRecommendations[SeverityNone],
		}
	}

	severity := SeverityMinor
	for _, field := range changed {
		if rank(driftSeverityByField[field]) > rank(severity) {
			severity = driftSeverityByField[field]
		}
	}

	return DriftReport{
		Changed:        true,
		ChangedFields:  changed,
		Severity:       severity,
		Recommendation: driftRecommendations[severity],
	}
}

func rank(s DriftSeverity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var vmMarkers = []string{
	"vmware", "virtualbox", "vbox", "qemu", "kvm", "xen",
	"hyper-v", "parallels", "virtual machine",
}

// DetectVM reports whether the components look like a virtual machine.
// Advisory only: VM users are not blocked, the signal is logged so support
// can reason about device-limit disputes.
func (g *Generator) DetectVM(ctx context.Context, c Components) bool {
	haystacks := []string{strings.ToLower(c.CPUModel), strings.ToLower(c.Hostname)}

	if runtime.GOOS == "windows" {
		if out, err := g.runCommand(ctx, "wmic", "computersystem", "get", "manufacturer"); err == nil {
			haystacks = append(haystacks, strings.ToLower(out))
		}
	}

	for _, hay := range haystacks {
		for _, marker := range vmMarkers {
			if strings.Contains(hay, marker) {
				return true
			}
		}
	}
	return false
}
