package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir string, specs []map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "containers.json")
	body, err := json.Marshal(map[string]any{"aio_services_v1": specs})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

func TestLoad_DuplicateIdentifierRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "a", "image": "a"},
		{"container_name": "a", "image": "a"},
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_UnknownDependencyRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "a", "image": "a", "depends_on": []string{"missing"}},
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_CycleRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "a", "image": "a", "depends_on": []string{"b"}},
		{"container_name": "b", "image": "b", "depends_on": []string{"a"}},
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestDependencyList_DependenciesPrecedeDependents(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "apache", "image": "apache", "depends_on": []string{"nextcloud", "database"}},
		{"container_name": "nextcloud", "image": "nextcloud", "depends_on": []string{"database"}},
		{"container_name": "database", "image": "database"},
	})
	cat, err := Load(path)
	require.NoError(t, err)

	list := cat.DependencyList("apache")
	positions := make(map[string]int, len(list))
	for i, s := range list {
		positions[s.Identifier] = i
	}

	assert.Len(t, list, 3)
	assert.Less(t, positions["database"], positions["nextcloud"])
	assert.Less(t, positions["nextcloud"], positions["apache"])

	seen := make(map[string]bool)
	for _, s := range list {
		assert.False(t, seen[s.Identifier], "identifier %s appeared twice", s.Identifier)
		seen[s.Identifier] = true
	}
}

func TestDependencyList_SharedDependencyAppearsOnce(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "apache", "image": "apache", "depends_on": []string{"nextcloud", "talk"}},
		{"container_name": "nextcloud", "image": "nextcloud", "depends_on": []string{"database"}},
		{"container_name": "talk", "image": "talk", "depends_on": []string{"database"}},
		{"container_name": "database", "image": "database"},
	})
	cat, err := Load(path)
	require.NoError(t, err)

	list := cat.DependencyList("apache")
	count := 0
	positions := make(map[string]int, len(list))
	for i, s := range list {
		if s.Identifier == "database" {
			count++
		}
		positions[s.Identifier] = i
	}
	assert.Equal(t, 1, count)

	// database is shared by both nextcloud and talk; it must precede both
	// of them regardless of which one's branch discovers it first.
	assert.Less(t, positions["database"], positions["nextcloud"])
	assert.Less(t, positions["database"], positions["talk"])
	assert.Less(t, positions["nextcloud"], positions["apache"])
	assert.Less(t, positions["talk"], positions["apache"])
}

func TestSpec_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "a", "image": "a"},
	})
	cat, err := Load(path)
	require.NoError(t, err)

	spec, ok := cat.Get("a")
	require.True(t, ok)
	assert.Equal(t, "%AIO_CHANNEL%", spec.ImageTag)
	assert.True(t, spec.Init)
	assert.Equal(t, int64(-1), spec.ShmSizeBytes)
	assert.Equal(t, int64(10), spec.MaxShutdownTimeSeconds)
}

func TestLoadWithCommunity_BuiltinWinsOnConflict(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, []map[string]any{
		{"container_name": "caddy", "image": "builtin-caddy", "documentation": "builtin"},
	})

	communityDir := filepath.Join(dir, "community-containers")
	require.NoError(t, os.MkdirAll(filepath.Join(communityDir, "caddy"), 0o755))
	fragment, err := json.Marshal(map[string]any{
		"container_name": "caddy",
		"image":          "community-caddy",
		"documentation":  "community",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(communityDir, "caddy", "caddy.json"), fragment, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(communityDir, "extra"), 0o755))
	extraFragment, err := json.Marshal(map[string]any{
		"container_name": "extra",
		"image":          "extra-image",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(communityDir, "extra", "extra.json"), extraFragment, 0o644))

	cat, err := LoadWithCommunity(path, communityDir)
	require.NoError(t, err)

	caddy, ok := cat.Get("caddy")
	require.True(t, ok)
	assert.Equal(t, "builtin-caddy", caddy.ContainerName)

	extra, ok := cat.Get("extra")
	require.True(t, ok)
	assert.Equal(t, "extra-image", extra.ContainerName)
}
