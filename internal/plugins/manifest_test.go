package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifestJSON() []byte {
	return []byte(`{
		"name": "analytics",
		"version": "1.2.3",
		"description": "<script>alert(1)</script>tracks usage",
		"author": "team",
		"module": {
			"controllers": ["AnalyticsController"],
			"guards": [{"kind": "local", "name": "AuthGuard", "className": "AuthGuard", "exported": true}]
		}
	}`)
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest(validManifestJSON())
	require.NoError(t, err)
	require.Equal(t, "analytics", m.Name)
	require.Equal(t, "1.2.3", m.Version)
	require.NotContains(t, m.Description, "<script>")
}

func TestParseManifestInvalidJSON(t *testing.T) {
	_, err := ParseManifest([]byte(`not json`))
	require.Error(t, err)
}

func TestParseManifestRejectsBadName(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name": "Bad_Name", "version": "1.0.0", "module": {}}`))
	require.Error(t, err)
}

func TestParseManifestRejectsBadVersion(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name": "ok", "version": "not-semver", "module": {}}`))
	require.Error(t, err)
}

func TestParseManifestRejectsNegativeLoadOrder(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name": "ok", "version": "1.0.0", "loadOrder": -1, "module": {}}`))
	require.Error(t, err)
}

func TestParseManifestRejectsExternalGuardWithoutSource(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"name": "ok", "version": "1.0.0",
		"module": {"guards": [{"kind": "external", "name": "AuthGuard"}]}
	}`))
	require.Error(t, err)
}

func TestParseManifestRejectsEmptyCrossPluginServiceName(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"name": "ok", "version": "1.0.0",
		"module": {"crossPluginServices": [{"serviceName": ""}]}
	}`))
	require.Error(t, err)
}
