package engine

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-orchestrator/masterd/internal/catalog"
	"github.com/aio-orchestrator/masterd/internal/config"
)

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	return config.Open(path, logrus.NewEntry(logrus.New()))
}

func TestBuildPorts_HostNetworkingIsNoop(t *testing.T) {
	spec := &catalog.Spec{InternalPort: "host", Ports: []catalog.Port{{Port: "80", Protocol: "tcp"}}}
	exposed, bindings, err := buildPorts(spec, &config.Configuration{})
	require.NoError(t, err)
	assert.Nil(t, exposed)
	assert.Nil(t, bindings)
}

func TestBuildPorts_ResolvesApachePortPlaceholder(t *testing.T) {
	spec := &catalog.Spec{
		InternalPort: "443",
		Ports:        []catalog.Port{{Port: "%APACHE_PORT%", Protocol: "tcp", IPBinding: "0.0.0.0"}},
	}
	cfg := &config.Configuration{ApachePort: 8443}
	exposed, bindings, err := buildPorts(spec, cfg)
	require.NoError(t, err)
	assert.Len(t, exposed, 1)
	found := false
	for _, bs := range bindings {
		for _, b := range bs {
			if b.HostPort == "8443" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a binding on host port 8443")
}

func TestBuildPorts_DropsNonTLSUDPApachePort(t *testing.T) {
	spec := &catalog.Spec{
		InternalPort: "443",
		Ports:        []catalog.Port{{Port: "%APACHE_PORT%", Protocol: "udp", IPBinding: "0.0.0.0"}},
	}
	cfg := &config.Configuration{ApachePort: 8080}
	_, bindings, err := buildPorts(spec, cfg)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestBuildPorts_InternalBindingIsExposedButNotPublished(t *testing.T) {
	internal := "@INTERNAL"
	spec := &catalog.Spec{
		InternalPort: "443",
		Ports:        []catalog.Port{{Port: "%APACHE_PORT%", Protocol: "tcp", IPBinding: "%APACHE_IP_BINDING%"}},
	}
	cfg := &config.Configuration{ApachePort: 443, ApacheIPBinding: &internal}
	exposed, bindings, err := buildPorts(spec, cfg)
	require.NoError(t, err)
	assert.Len(t, exposed, 1)
	assert.Empty(t, bindings)
}

func TestSpecialContainerMounts_BorgbackupDedupsVolumesAndSplitsDirectories(t *testing.T) {
	spec := &catalog.Spec{Identifier: "nextcloud-aio-borgbackup"}
	in := CreateInput{
		BackupVolumes: []string{"nextcloud_aio_nextcloud_data", "nextcloud_aio_nextcloud_data", ""},
		Config: &config.Configuration{
			AdditionalBackupDirectories: []string{"/srv/extra", "named_volume"},
		},
	}
	mounts := specialContainerMounts(spec, in)
	require.Len(t, mounts, 3)
	assert.Equal(t, "nextcloud_aio_nextcloud_data", mounts[0].Source)
	assert.Equal(t, "/host_mounts/srv/extra", mounts[1].Target)
	assert.True(t, mounts[1].ReadOnly)
	assert.Equal(t, "/docker_volumes/named_volume", mounts[2].Target)
}

func TestSpecialContainerMounts_NonBorgbackupIsNil(t *testing.T) {
	spec := &catalog.Spec{Identifier: "nextcloud-aio-nextcloud"}
	assert.Nil(t, specialContainerMounts(spec, CreateInput{}))
}

func TestExpandEnvTemplate_ExtraParamsSubstitutesTwoPlaceholdersTextually(t *testing.T) {
	domain := "cloud.example.com"
	ctx := &templateContext{config: &config.Configuration{Domain: &domain, CollaboraSeccompDisabled: true}}
	out, err := expandEnvTemplate("COLLABORA_EXTRA=extra_params=--o:ssl.enable=true --o:net.host=%NC_DOMAIN% --seccomp=%COLLABORA_SECCOMP_POLICY%", ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "cloud.example.com")
	assert.Contains(t, out, "unconfined")
}

func TestExpandEnvTemplate_NoPlaceholderPassesThrough(t *testing.T) {
	ctx := &templateContext{config: &config.Configuration{}}
	out, err := expandEnvTemplate("SOME_KEY=literal-value", ctx)
	require.NoError(t, err)
	assert.Equal(t, "SOME_KEY=literal-value", out)
}

func TestExpandEnvTemplate_UnknownPlaceholderWithoutSecretFailsWithMissingSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := &templateContext{store: store, config: &config.Configuration{}}
	_, err := expandEnvTemplate("SOME_TOKEN=%CUSTOM_SECRET_NAME%", ctx)
	require.Error(t, err)
	assert.True(t, HasKind(err, KindMissingSecret))
}

func TestExpandEnvTemplate_UnknownPlaceholderResolvesAnAlreadyGeneratedSecret(t *testing.T) {
	store := newTestStore(t)
	generated, err := store.GetOrGenerateSecret("custom_secret_name")
	require.NoError(t, err)

	ctx := &templateContext{store: store, config: &config.Configuration{}}
	out, err := expandEnvTemplate("SOME_TOKEN=%custom_secret_name%", ctx)
	require.NoError(t, err)
	assert.Equal(t, "SOME_TOKEN="+generated, out)
}

func TestResolvePlaceholder_TimezoneAndDictionariesFallBackToDefaults(t *testing.T) {
	ctx := &templateContext{config: &config.Configuration{}}

	tz, err := resolvePlaceholder("TIMEZONE", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Etc/UTC", tz)

	dict, err := resolvePlaceholder("COLLABORA_DICTIONARIES", ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultCollaboraDictionaries, dict)
}

func TestResolvePlaceholder_FeatureFlagsEmitYesOrEmpty(t *testing.T) {
	ctx := &templateContext{config: &config.Configuration{IsTalkEnabled: true}}

	enabled, err := resolvePlaceholder("TALK_ENABLED", ctx)
	require.NoError(t, err)
	assert.Equal(t, "yes", enabled)

	disabled, err := resolvePlaceholder("ONLYOFFICE_ENABLED", ctx)
	require.NoError(t, err)
	assert.Equal(t, "", disabled)
}

func TestResolvePlaceholder_CaddyIPAddressOnlyWhenCommunityContainerPresent(t *testing.T) {
	ctx := &templateContext{config: &config.Configuration{}, communityContainers: []string{"caddy"}}
	_, err := resolvePlaceholder("CADDY_IP_ADDRESS", ctx)
	require.NoError(t, err)

	ctxWithout := &templateContext{config: &config.Configuration{}}
	out, err := resolvePlaceholder("CADDY_IP_ADDRESS", ctxWithout)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestCollaboraSeccompPolicy(t *testing.T) {
	assert.Equal(t, "default", collaboraSeccompPolicy(&config.Configuration{}))
	assert.Equal(t, "unconfined", collaboraSeccompPolicy(&config.Configuration{CollaboraSeccompDisabled: true}))
}

func TestVolumeBinds_ModeReflectsWritable(t *testing.T) {
	binds := volumeBinds([]catalog.Volume{
		{Name: "vol_ro", MountPoint: "/data", Writable: false},
		{Name: "vol_rw", MountPoint: "/data2", Writable: true},
	})
	require.Len(t, binds, 2)
	assert.Equal(t, "vol_ro:/data:ro", binds[0])
	assert.Equal(t, "vol_rw:/data2:rw", binds[1])
}

func TestSetAIOVariable_PersistsIntoSecretsMap(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, setAIOVariable(store, "AIO_TOKEN", "abc123"))
	snap := store.Read()
	assert.Equal(t, "abc123", snap.Config().Secrets["AIO_TOKEN"])
}
