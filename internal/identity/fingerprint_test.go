package identity

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testComponents() Components {
	return Components{
		Platform:     "linux",
		Arch:         "amd64",
		Hostname:     "workbench",
		CPUModel:     "AMD Ryzen 9 5950X 16-Core Processor",
		CPUCores:     32,
		MACAddresses: []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"},
		SystemUUID:   "4c4c4544-0042-3510-8052-b4c04f4e3632",
		BoardSerial:  "MB-7788421",
	}
}

func TestComputeMachineIDDeterministic(t *testing.T) {
	c := testComponents()
	first := ComputeMachineID(c)
	second := ComputeMachineID(c)

	assert.Equal(t, first, second)
	assert.True(t, IsValidMachineID(first))
}

func TestComputeMachineIDSensitivity(t *testing.T) {
	base := testComponents()
	baseID := ComputeMachineID(base)

	tests := []struct {
		name   string
		mutate func(*Components)
	}{
		{name: "hostname", mutate: func(c *Components) { c.Hostname = "other-host" }},
		{name: "cpu model", mutate: func(c *Components) { c.CPUModel = "Intel Core i9-13900K" }},
		{name: "mac removed", mutate: func(c *Components) { c.MACAddresses = c.MACAddresses[:1] }},
		{name: "system uuid", mutate: func(c *Components) { c.SystemUUID = "different-uuid" }},
		{name: "board serial absent", mutate: func(c *Components) { c.BoardSerial = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testComponents()
			tt.mutate(&c)
			assert.NotEqual(t, baseID, ComputeMachineID(c))
		})
	}
}

func TestComputeMachineIDSkipsAbsentComponents(t *testing.T) {
	// Absent CPU model must also drop the core count, otherwise a machine
	// with no model string and 8 cores could collide structurally with one
	// whose hostname is "8".
	c := testComponents()
	c.CPUModel = ""
	c.SystemUUID = ""
	c.BoardSerial = ""

	id := ComputeMachineID(c)
	assert.True(t, IsValidMachineID(id))
	assert.NotEqual(t, ComputeMachineID(testComponents()), id)
}

func TestIsValidMachineID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "valid", id: strings.Repeat("a1", 32), want: true},
		{name: "too short", id: strings.Repeat("a", 63), want: false},
		{name: "too long", id: strings.Repeat("a", 65), want: false},
		{name: "uppercase rejected", id: strings.Repeat("A1", 32), want: false},
		{name: "non-hex", id: strings.Repeat("g", 64), want: false},
		{name: "empty", id: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidMachineID(tt.id))
		})
	}
}

func TestGeneratorCachesFingerprint(t *testing.T) {
	g := NewGenerator(slog.Default())
	ctx := context.Background()

	first, err := g.Fingerprint(ctx)
	require.NoError(t, err)
	require.True(t, IsValidMachineID(first.MachineID))

	second, err := g.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.MachineID, second.MachineID)
	assert.Equal(t, first.Components.CollectedAt, second.Components.CollectedAt,
		"second call must be served from cache")

	g.ClearCache()
	third, err := g.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.MachineID, third.MachineID,
		"same hardware must produce the same identifier after cache reset")
}

func TestSecondNonEmptyLine(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{name: "wmic style", out: "UUID\r\n4C4C4544-0042\r\n\r\n", want: "4C4C4544-0042"},
		{name: "header only", out: "SerialNumber\r\n", want: ""},
		{name: "empty", out: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, secondNonEmptyLine(tt.out))
		})
	}
}

func TestIsPlaceholderSerial(t *testing.T) {
	assert.True(t, isPlaceholderSerial(""))
	assert.True(t, isPlaceholderSerial("To be filled by O.E.M."))
	assert.True(t, isPlaceholderSerial("Default string"))
	assert.False(t, isPlaceholderSerial("MB-7788421"))
}

func TestDetectDrift(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*Components)
		wantChanged  bool
		wantSeverity DriftSeverity
		wantFields   []string
	}{
		{
			name:         "identical",
			mutate:       func(*Components) {},
			wantSeverity: SeverityNone,
		},
		{
			name:         "hostname only",
			mutate:       func(c *Components) { c.Hostname = "renamed" },
			wantChanged:  true,
			wantSeverity: SeverityMinor,
			wantFields:   []string{"hostname"},
		},
		{
			name:         "cpu upgrade",
			mutate:       func(c *Components) { c.CPUCores = 64 },
			wantChanged:  true,
			wantSeverity: SeverityMajor,
			wantFields:   []string{"cpu"},
		},
		{
			name:         "nic swap",
			mutate:       func(c *Components) { c.MACAddresses = []string{"11:22:33:44:55:66"} },
			wantChanged:  true,
			wantSeverity: SeverityMajor,
			wantFields:   []string{"mac_addresses"},
		},
		{
			name:         "board replaced",
			mutate:       func(c *Components) { c.BoardSerial = "MB-NEW" },
			wantChanged:  true,
			wantSeverity: SeverityCritical,
			wantFields:   []string{"board_serial"},
		},
		{
			name: "critical outranks minor",
			mutate: func(c *Components) {
				c.Hostname = "renamed"
				c.SystemUUID = "new-uuid"
			},
			wantChanged:  true,
			wantSeverity: SeverityCritical,
			wantFields:   []string{"hostname", "system_uuid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cached := testComponents()
			current := testComponents()
			tt.mutate(&current)

			report := DetectDrift(cached, current)
			assert.Equal(t, tt.wantChanged, report.Changed)
			assert.Equal(t, tt.wantSeverity, report.Severity)
			assert.ElementsMatch(t, tt.wantFields, report.ChangedFields)
			assert.NotEmpty(t, report.Recommendation)
		})
	}
}

func TestDetectVM(t *testing.T) {
	g := NewGenerator(slog.Default())
	g.runCommand = func(context.Context, string, ...string) (string, error) {
		return "", nil
	}
	ctx := context.Background()

	vm := testComponents()
	vm.CPUModel = "QEMU Virtual CPU version 2.5+"
	assert.True(t, g.DetectVM(ctx, vm))

	vmHost := testComponents()
	vmHost.Hostname = "vbox-build-agent"
	assert.True(t, g.DetectVM(ctx, vmHost))

	assert.False(t, g.DetectVM(ctx, testComponents()))
}

func TestIsVirtualInterfaceName(t *testing.T) {
	assert.True(t, isVirtualInterfaceName("vEthernet (VMware)"))
	assert.True(t, isVirtualInterfaceName("docker0"))
	assert.True(t, isVirtualInterfaceName("br-9f1c2"))
	assert.False(t, isVirtualInterfaceName("eth0"))
	assert.False(t, isVirtualInterfaceName("en0"))
}
