package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// TestBuildServiceLabels verifies that BuildServiceLabels converts a
// ServiceContainer into a Docker label map with all required keys and
// values.
func TestBuildServiceLabels(t *testing.T) {
	// Arrange: create a ServiceContainer with known values including
	// published ports.
	startedAt := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	sc := &model.ServiceContainer{
		RunID:    "0b5c6a1e-4f21-4a7d-9c3f-5a2e8d914c70",
		Workflow: "client-ci",
		Job:      "build (3.10)",
		Service:  "graph",
		Ports: []model.ServicePort{
			{ServiceName: "graph", ContainerPort: 8080, HostPort: 18080, Protocol: "tcp"},
			{ServiceName: "graph", ContainerPort: 8443, HostPort: 18443, Protocol: "tcp"},
		},
		StartedAt: startedAt,
	}

	// Act
	labels := BuildServiceLabels(sc)

	// Assert: verify all static labels are present and correct.
	assert.Equal(t, ManagedByValue, labels[LabelManagedBy],
		"managed-by label should always be set to the constant value")
	assert.Equal(t, "0b5c6a1e-4f21-4a7d-9c3f-5a2e8d914c70", labels[LabelRunID])
	assert.Equal(t, "client-ci", labels[LabelWorkflow])
	assert.Equal(t, "build (3.10)", labels[LabelJob])
	assert.Equal(t, "graph", labels[LabelService])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels[LabelStartedAt])

	// Assert: verify per-port labels.
	assert.Equal(t, "18080", labels["gantry.port.8080"],
		"container port 8080 should be mapped to host port 18080")
	assert.Equal(t, "18443", labels["gantry.port.8443"],
		"container port 8443 should be mapped to host port 18443")

	// Assert: verify total label count (6 static + 2 port = 8).
	assert.Len(t, labels, 8, "expected 6 static labels + 2 port labels")
}

// TestBuildServiceLabels_UDPPort verifies that UDP ports get the "/udp"
// suffix in the label value while TCP ports stay bare.
func TestBuildServiceLabels_UDPPort(t *testing.T) {
	sc := &model.ServiceContainer{
		RunID:    "run-1",
		Workflow: "ci",
		Job:      "test",
		Service:  "dns",
		Ports: []model.ServicePort{
			{ServiceName: "dns", ContainerPort: 53, HostPort: 10053, Protocol: "udp"},
			{ServiceName: "dns", ContainerPort: 8600, HostPort: 18600, Protocol: "tcp"},
		},
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	labels := BuildServiceLabels(sc)

	assert.Equal(t, "10053/udp", labels["gantry.port.53"],
		"UDP ports should carry the /udp suffix")
	assert.Equal(t, "18600", labels["gantry.port.8600"],
		"TCP ports should not carry a protocol suffix")
}

// TestBuildServiceLabels_NoPorts verifies that BuildServiceLabels works
// correctly when the service publishes no ports.
func TestBuildServiceLabels_NoPorts(t *testing.T) {
	sc := &model.ServiceContainer{
		RunID:     "run-2",
		Workflow:  "ci",
		Job:       "lint",
		Service:   "cache",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	labels := BuildServiceLabels(sc)

	// Should have only the 6 static labels, no port labels.
	assert.Len(t, labels, 6)
	assert.Equal(t, "cache", labels[LabelService])
}

// TestParseServiceLabels verifies that ParseServiceLabels correctly
// reconstructs a ServiceContainer from a Docker label map. This is the
// inverse of BuildServiceLabels.
func TestParseServiceLabels(t *testing.T) {
	// Arrange: create a label map matching what BuildServiceLabels would
	// produce.
	labels := map[string]string{
		LabelManagedBy:     ManagedByValue,
		LabelRunID:         "0b5c6a1e-4f21-4a7d-9c3f-5a2e8d914c70",
		LabelWorkflow:      "client-ci",
		LabelJob:           "build (3.10)",
		LabelService:       "graph",
		LabelStartedAt:     "2026-02-28T10:00:00Z",
		"gantry.port.8080": "18080",
		"gantry.port.53":   "10053/udp",
	}

	// Act
	sc, err := ParseServiceLabels(labels)

	// Assert: no error and all fields are correctly populated.
	require.NoError(t, err, "ParseServiceLabels should succeed with valid labels")
	assert.Equal(t, "0b5c6a1e-4f21-4a7d-9c3f-5a2e8d914c70", sc.RunID)
	assert.Equal(t, "client-ci", sc.Workflow)
	assert.Equal(t, "build (3.10)", sc.Job)
	assert.Equal(t, "graph", sc.Service)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), sc.StartedAt)

	// Assert: ports were parsed, sorted by container port, and stamped
	// with the service name.
	require.Len(t, sc.Ports, 2, "should have 2 published ports")
	assert.Equal(t, 53, sc.Ports[0].ContainerPort)
	assert.Equal(t, 10053, sc.Ports[0].HostPort)
	assert.Equal(t, "udp", sc.Ports[0].Protocol)
	assert.Equal(t, "graph", sc.Ports[0].ServiceName)
	assert.Equal(t, 8080, sc.Ports[1].ContainerPort)
	assert.Equal(t, 18080, sc.Ports[1].HostPort)
	assert.Equal(t, "tcp", sc.Ports[1].Protocol)
	assert.Equal(t, "graph", sc.Ports[1].ServiceName)
}

// TestParseServiceLabels_NoPorts verifies that ParseServiceLabels works
// when there are no port labels: the Ports slice should be empty.
func TestParseServiceLabels_NoPorts(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-3",
		LabelWorkflow:  "ci",
		LabelJob:       "lint",
		LabelService:   "cache",
		LabelStartedAt: "2026-01-01T00:00:00Z",
	}

	sc, err := ParseServiceLabels(labels)
	require.NoError(t, err)
	assert.Empty(t, sc.Ports, "should have no published ports")
}

// TestParseServiceLabels_MissingRequired verifies that ParseServiceLabels
// returns an error when required labels are missing from the label map.
func TestParseServiceLabels_MissingRequired(t *testing.T) {
	// Sub-test table: each test case removes one required label to verify
	// that its absence is detected.
	testCases := []struct {
		name       string
		missingKey string
	}{
		{"missing managed-by", LabelManagedBy},
		{"missing run-id", LabelRunID},
		{"missing workflow", LabelWorkflow},
		{"missing job", LabelJob},
		{"missing service", LabelService},
		{"missing started-at", LabelStartedAt},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Start with a complete valid label set.
			labels := map[string]string{
				LabelManagedBy: ManagedByValue,
				LabelRunID:     "run-4",
				LabelWorkflow:  "ci",
				LabelJob:       "test",
				LabelService:   "db",
				LabelStartedAt: "2026-01-01T00:00:00Z",
			}

			// Remove the label under test.
			delete(labels, tc.missingKey)

			_, err := ParseServiceLabels(labels)
			require.Error(t, err, "should fail when %s is missing", tc.missingKey)
			assert.Contains(t, err.Error(), tc.missingKey,
				"error message should mention the missing label key")
		})
	}
}

// TestParseServiceLabels_MissingMultiple verifies that the error lists
// every missing label, not just the first one found.
func TestParseServiceLabels_MissingMultiple(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelJob:       "test",
		LabelService:   "db",
		LabelStartedAt: "2026-01-01T00:00:00Z",
	}

	_, err := ParseServiceLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelRunID)
	assert.Contains(t, err.Error(), LabelWorkflow)
}

// TestParseServiceLabels_InvalidManagedBy verifies that ParseServiceLabels
// rejects containers with an unexpected managed-by value.
func TestParseServiceLabels_InvalidManagedBy(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: "some-other-tool",
		LabelRunID:     "run-5",
		LabelWorkflow:  "ci",
		LabelJob:       "test",
		LabelService:   "db",
		LabelStartedAt: "2026-01-01T00:00:00Z",
	}

	_, err := ParseServiceLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected value")
}

// TestParseServiceLabels_InvalidStartedAt verifies that
// ParseServiceLabels returns an error when the started-at label has an
// unparseable timestamp.
func TestParseServiceLabels_InvalidStartedAt(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     "run-6",
		LabelWorkflow:  "ci",
		LabelJob:       "test",
		LabelService:   "db",
		LabelStartedAt: "not-a-timestamp",
	}

	_, err := ParseServiceLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelStartedAt)
}

// TestBuildPortLabel verifies that BuildPortLabel generates the correct
// label key format for various port numbers.
func TestBuildPortLabel(t *testing.T) {
	testCases := []struct {
		containerPort int
		expected      string
	}{
		{8080, "gantry.port.8080"},
		{5432, "gantry.port.5432"},
		{80, "gantry.port.80"},
		{443, "gantry.port.443"},
		{53, "gantry.port.53"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			result := BuildPortLabel(tc.containerPort)
			assert.Equal(t, tc.expected, result)
		})
	}
}

// TestParsePortLabels verifies that ParsePortLabels correctly extracts
// port mappings from a label map containing mixed labels (both port and
// non-port labels).
func TestParsePortLabels(t *testing.T) {
	labels := map[string]string{
		// Non-port labels should be ignored.
		LabelManagedBy: ManagedByValue,
		LabelService:   "graph",
		// Port labels to be parsed.
		"gantry.port.8080": "18080",
		"gantry.port.5432": "15432",
		"gantry.port.3000": "13000",
	}

	ports, err := ParsePortLabels(labels)
	require.NoError(t, err)
	require.Len(t, ports, 3, "should extract exactly 3 port mappings")

	// The result is sorted by container port, so assertions can rely on
	// slice order.
	assert.Equal(t, 3000, ports[0].ContainerPort)
	assert.Equal(t, 13000, ports[0].HostPort)
	assert.Equal(t, 5432, ports[1].ContainerPort)
	assert.Equal(t, 15432, ports[1].HostPort)
	assert.Equal(t, 8080, ports[2].ContainerPort)
	assert.Equal(t, 18080, ports[2].HostPort)

	for _, p := range ports {
		assert.Equal(t, "tcp", p.Protocol, "protocol should default to tcp")
	}
}

// TestParsePortLabels_UDP verifies that the "/udp" value suffix is
// parsed into the protocol field.
func TestParsePortLabels_UDP(t *testing.T) {
	labels := map[string]string{
		"gantry.port.53": "10053/udp",
	}

	ports, err := ParsePortLabels(labels)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, 53, ports[0].ContainerPort)
	assert.Equal(t, 10053, ports[0].HostPort)
	assert.Equal(t, "udp", ports[0].Protocol)
}

// TestParsePortLabels_Empty verifies that ParsePortLabels returns an
// empty slice when no port labels are present.
func TestParsePortLabels_Empty(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelService:   "graph",
	}

	ports, err := ParsePortLabels(labels)
	require.NoError(t, err)
	assert.Empty(t, ports, "should return empty slice when no port labels exist")
}

// TestParsePortLabels_InvalidFormat verifies that ParsePortLabels returns
// errors for malformed port labels (non-numeric port numbers or values).
func TestParsePortLabels_InvalidFormat(t *testing.T) {
	t.Run("non-numeric container port", func(t *testing.T) {
		labels := map[string]string{
			"gantry.port.abc": "13000",
		}

		_, err := ParsePortLabels(labels)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid container port",
			"error should describe the issue with the container port")
	})

	t.Run("non-numeric host port", func(t *testing.T) {
		labels := map[string]string{
			"gantry.port.8080": "not-a-port",
		}

		_, err := ParsePortLabels(labels)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid host port",
			"error should describe the issue with the host port value")
	})
}

// TestFilterLabels verifies that FilterLabels returns the correct
// filter map for listing managed containers.
func TestFilterLabels(t *testing.T) {
	filters := FilterLabels()

	// The filter should contain exactly one entry: the managed-by label.
	require.Len(t, filters, 1, "filter should contain exactly one label")
	assert.Equal(t, ManagedByValue, filters[LabelManagedBy],
		"filter should match the managed-by label value")
}

// TestBuildAndParseLabelRoundTrip verifies that building labels from a
// ServiceContainer and parsing them back produces an equivalent
// ServiceContainer. This is a critical integration-style test that
// ensures the two functions are inverse operations.
func TestBuildAndParseLabelRoundTrip(t *testing.T) {
	startedAt := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)
	original := &model.ServiceContainer{
		RunID:    "f6d1a7b2-9e04-4cd3-8b15-2c7e9a3f0d41",
		Workflow: "client-ci",
		Job:      "test (3.12)",
		Service:  "graph",
		Ports: []model.ServicePort{
			{ServiceName: "graph", ContainerPort: 8080, HostPort: 28080, Protocol: "tcp"},
			{ServiceName: "graph", ContainerPort: 53, HostPort: 20053, Protocol: "udp"},
		},
		StartedAt: startedAt,
	}

	// Build labels, then parse them back.
	labels := BuildServiceLabels(original)
	parsed, err := ParseServiceLabels(labels)
	require.NoError(t, err)

	// Compare the fields that are preserved through labels.
	// Note: ContainerID, ContainerName, Image and Status are NOT
	// persisted in labels; the lister fills them from the Docker API
	// response, so they are excluded from comparison.
	assert.Equal(t, original.RunID, parsed.RunID)
	assert.Equal(t, original.Workflow, parsed.Workflow)
	assert.Equal(t, original.Job, parsed.Job)
	assert.Equal(t, original.Service, parsed.Service)
	assert.Equal(t, original.StartedAt.UTC(), parsed.StartedAt.UTC())

	// Ports come back sorted by container port with the service name
	// reattached.
	require.Len(t, parsed.Ports, len(original.Ports))
	assert.Equal(t, 53, parsed.Ports[0].ContainerPort)
	assert.Equal(t, 20053, parsed.Ports[0].HostPort)
	assert.Equal(t, "udp", parsed.Ports[0].Protocol)
	assert.Equal(t, "graph", parsed.Ports[0].ServiceName)
	assert.Equal(t, 8080, parsed.Ports[1].ContainerPort)
	assert.Equal(t, 28080, parsed.Ports[1].HostPort)
	assert.Equal(t, "tcp", parsed.Ports[1].Protocol)
	assert.Equal(t, "graph", parsed.Ports[1].ServiceName)
}
