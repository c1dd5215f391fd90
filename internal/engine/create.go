package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockernat "github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/aio-orchestrator/masterd/internal/catalog"
	"github.com/aio-orchestrator/masterd/internal/config"
)

const defaultCollaboraDictionaries = "de_DE en_GB en_US es_ES fr_FR it nl pt_BR pt_PT ru"

// CreateInput bundles everything Create needs beyond the spec itself: a
// snapshot of the configuration, the already-resolved image name (the
// caller resolves %AIO_CHANNEL% via the Registry Client before calling
// Create, keeping this package free of catalog-graph traversal), and the
// two values that require walking the dependency-transitive closure
// (computed by the Lifecycle Engine, which already holds the Catalog).
type CreateInput struct {
	Spec                  *catalog.Spec
	Config                *config.Configuration
	ImageName             string
	BackupVolumes         []string
	NextcloudExecCommands string
	CommunityContainers   []string
}

// Create materializes spec as a container: volumes, secrets, env expansion,
// ports, network mode, devices, security options, and the special-container
// branches.
func (c *Client) Create(ctx context.Context, store *config.Store, in CreateInput) error {
	spec := in.Spec

	for _, secretName := range spec.Secrets {
		if _, err := store.GetOrGenerateSecret(secretName); err != nil {
			return NewError(KindMissingSecret, "generating secret "+secretName, err)
		}
	}

	for _, kv := range spec.AIOVariables {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := setAIOVariable(store, k, v); err != nil {
			return NewError(KindConfigurationInvalid, "writing aio_variable "+k, err)
		}
	}

	tmplCtx := &templateContext{store: store, config: in.Config, communityContainers: in.CommunityContainers}

	envs := make([]string, 0, len(spec.EnvTemplates)+1)
	for _, tmpl := range spec.EnvTemplates {
		expanded, err := expandEnvTemplate(tmpl, tmplCtx)
		if err != nil {
			return err
		}
		envs = append(envs, expanded)
	}
	if spec.Identifier == "nextcloud-aio-nextcloud" {
		envs = append(envs, "NEXTCLOUD_EXEC_COMMANDS="+in.NextcloudExecCommands)
	}

	hostConfig := &dockercontainer.HostConfig{
		Binds:          volumeBinds(spec.Volumes),
		RestartPolicy:  dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyMode(spec.RestartPolicy)},
		ReadonlyRootfs: spec.ReadOnlyRootFS,
		Init:           &spec.Init,
	}

	if spec.InternalPort != "host" {
		hostConfig.NetworkMode = dockercontainer.NetworkMode(AIONetwork)
	} else {
		hostConfig.NetworkMode = "host"
	}

	exposedPorts, bindings, err := buildPorts(spec, in.Config)
	if err != nil {
		return err
	}

	var devices []dockercontainer.DeviceMapping
	for _, d := range spec.Devices {
		if d == "/dev/dri" && !bool(in.Config.NextcloudEnableDriDevice) {
			continue
		}
		devices = append(devices, dockercontainer.DeviceMapping{PathOnHost: d, PathInContainer: d, CgroupPermissions: "rwm"})
	}
	hostConfig.Resources.Devices = devices

	if spec.ShmSizeBytes > 0 {
		hostConfig.ShmSize = spec.ShmSizeBytes
	}

	if len(spec.Tmpfs) > 0 {
		hostConfig.Tmpfs = make(map[string]string, len(spec.Tmpfs))
		for _, t := range spec.Tmpfs {
			path, mode, _ := strings.Cut(t, ":")
			hostConfig.Tmpfs[path] = mode
		}
	}

	if len(spec.CapAdd) > 0 {
		hostConfig.CapAdd = spec.CapAdd
	}
	if !containsString(spec.CapAdd, "NET_RAW") {
		hostConfig.CapDrop = []string{"NET_RAW"}
	}

	hostConfig.SecurityOpt = []string{"label:disable"}
	if spec.ApparmorUnconfined {
		hostConfig.SecurityOpt = []string{"apparmor:unconfined", "label:disable"}
	}

	hostConfig.Mounts = specialContainerMounts(spec, in)

	switch spec.Identifier {
	case "nextcloud-aio-talk":
		hostConfig.Resources.Ulimits = []*units.Ulimit{{Name: "nofile", Hard: 200000, Soft: 200000}}
	case "nextcloud-aio-caddy":
		hostConfig.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	hostConfig.PortBindings = bindings

	_, err = c.docker.ContainerCreate(ctx, &dockercontainer.Config{
		Image:        in.ImageName,
		Env:          envs,
		ExposedPorts: exposedPorts,
	}, hostConfig, nil, nil, spec.Identifier)
	if err != nil {
		return NewError(KindUnreachable, "creating container "+spec.Identifier, err)
	}
	return nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func volumeBinds(volumes []catalog.Volume) []string {
	var binds []string
	for _, v := range volumes {
		mode := "ro"
		if v.Writable {
			mode = "rw"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", v.Name, v.MountPoint, mode))
	}
	return binds
}

func specialContainerMounts(spec *catalog.Spec, in CreateInput) []mount.Mount {
	switch spec.Identifier {
	case "nextcloud-aio-borgbackup":
		var mounts []mount.Mount
		seen := make(map[string]bool)
		for _, v := range in.BackupVolumes {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			mounts = append(mounts, mount.Mount{
				Type:   mount.TypeVolume,
				Source: v,
				Target: "/nextcloud_aio_volumes/" + v,
			})
		}
		for _, dir := range in.Config.AdditionalBackupDirectories {
			if dir == "" {
				continue
			}
			if strings.HasPrefix(dir, "/") {
				mounts = append(mounts, mount.Mount{
					Type:     mount.TypeBind,
					Source:   dir,
					Target:   "/host_mounts" + dir,
					ReadOnly: true,
					BindOptions: &mount.BindOptions{
						NonRecursive: true,
					},
				})
			} else {
				mounts = append(mounts, mount.Mount{
					Type:     mount.TypeVolume,
					Source:   dir,
					Target:   "/docker_volumes/" + dir,
					ReadOnly: true,
				})
			}
		}
		return mounts
	default:
		return nil
	}
}

func buildPorts(spec *catalog.Spec, cfg *config.Configuration) (dockernat.PortSet, dockernat.PortMap, error) {
	if spec.InternalPort == "host" {
		return nil, nil, nil
	}

	exposed := dockernat.PortSet{}
	bindings := dockernat.PortMap{}
	for _, p := range spec.Ports {
		port, err := resolvePortPlaceholder(p.Port, cfg)
		if err != nil {
			return nil, nil, err
		}
		if port != "443" && p.Protocol == "udp" {
			if p.Port == "%APACHE_PORT%" {
				continue
			}
		}

		portProto, err := dockernat.NewPort(p.Protocol, port)
		if err != nil {
			return nil, nil, NewError(KindConfigurationInvalid, "building port spec for "+spec.Identifier, err)
		}
		exposed[portProto] = struct{}{}

		ip := p.IPBinding
		if ip == "%APACHE_IP_BINDING%" {
			if cfg.ApacheIPBinding != nil {
				ip = *cfg.ApacheIPBinding
			} else {
				ip = ""
			}
			if ip == "@INTERNAL" {
				continue
			}
		}
		bindings[portProto] = append(bindings[portProto], dockernat.PortBinding{HostIP: ip, HostPort: port})
	}
	return exposed, bindings, nil
}

func resolvePortPlaceholder(port string, cfg *config.Configuration) (string, error) {
	switch port {
	case "%APACHE_PORT%":
		return strconv.FormatUint(uint64(cfg.ApachePort), 10), nil
	case "%TALK_PORT%":
		return strconv.FormatUint(uint64(cfg.TalkPort), 10), nil
	default:
		return port, nil
	}
}

// setAIOVariable writes an aio_variables entry into the secrets map that
// placeholder expansion consults as its fallback lookup.
func setAIOVariable(store *config.Store, key, value string) error {
	g := store.Write()
	if g.Secrets == nil {
		g.Secrets = make(map[string]string)
	}
	g.Secrets[key] = value
	return g.Commit()
}

type templateContext struct {
	store               *config.Store
	config              *config.Configuration
	communityContainers []string
}

func yesOrEmpty(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func expandEnvTemplate(tmpl string, ctx *templateContext) (string, error) {
	key, value, ok := strings.Cut(tmpl, "=")
	if !ok {
		return tmpl, nil
	}

	if strings.HasPrefix(value, "extra_params=") {
		value = strings.ReplaceAll(value, "%COLLABORA_SECCOMP_POLICY%", collaboraSeccompPolicy(ctx.config))
		value = strings.ReplaceAll(value, "%NC_DOMAIN%", derefOr(ctx.config.Domain, ""))
		return key + "=" + value, nil
	}

	start := strings.IndexByte(value, '%')
	if start < 0 {
		return key + "=" + value, nil
	}
	end := strings.IndexByte(value[start+1:], '%')
	if end < 0 {
		return key + "=" + value, nil
	}
	placeholder := value[start+1 : start+1+end]

	replacement, err := resolvePlaceholder(placeholder, ctx)
	if err != nil {
		return "", err
	}
	return key + "=" + value[:start] + replacement + value[start+1+end+1:], nil
}

func resolvePlaceholder(name string, ctx *templateContext) (string, error) {
	cfg := ctx.config
	switch name {
	case "NC_DOMAIN":
		return derefOr(cfg.Domain, ""), nil
	case "AIO_TOKEN":
		return derefOr(cfg.AIOToken, ""), nil
	case "AIO_URL":
		return derefOr(cfg.AIOURL, ""), nil
	case "BORGBACKUP_MODE":
		return string(cfg.BackupMode), nil
	case "APACHE_PORT":
		return strconv.FormatUint(uint64(cfg.ApachePort), 10), nil
	case "TALK_PORT":
		return strconv.FormatUint(uint64(cfg.TalkPort), 10), nil
	case "NEXTCLOUD_MOUNT":
		return derefOr(cfg.NextcloudMount, ""), nil
	case "NEXTCLOUD_DATADIR":
		return cfg.NextcloudDatadir, nil
	case "NEXTCLOUD_TRUSTED_CACERTS_DIR":
		return derefOr(cfg.TrustedCacertsDir, ""), nil
	case "NEXTCLOUD_UPLOAD_LIMIT":
		return cfg.NextcloudUploadLimit, nil
	case "NEXTCLOUD_MEMORY_LIMIT":
		return cfg.NextcloudMemoryLimit, nil
	case "NEXTCLOUD_MAX_TIME":
		return strconv.FormatUint(uint64(cfg.NextcloudMaxTime), 10), nil
	case "NEXTCLOUD_ADDITIONAL_APKS":
		return strings.Join(cfg.NextcloudAdditionalApks, " "), nil
	case "NEXTCLOUD_ADDITIONAL_PHP_EXTENSIONS":
		return strings.Join(cfg.NextcloudAdditionalPhpExtensions, " "), nil
	case "CLAMAV_ENABLED":
		return yesOrEmpty(bool(cfg.IsClamavEnabled)), nil
	case "ONLYOFFICE_ENABLED":
		return yesOrEmpty(bool(cfg.IsOnlyofficeEnabled)), nil
	case "COLLABORA_ENABLED":
		return yesOrEmpty(bool(cfg.IsCollaboraEnabled)), nil
	case "TALK_ENABLED":
		return yesOrEmpty(bool(cfg.IsTalkEnabled)), nil
	case "TALK_RECORDING_ENABLED":
		return yesOrEmpty(bool(cfg.IsTalkRecordingEnabled)), nil
	case "IMAGINARY_ENABLED":
		return yesOrEmpty(bool(cfg.IsImaginaryEnabled)), nil
	case "FULLTEXTSEARCH_ENABLED":
		return yesOrEmpty(bool(cfg.IsFulltextsearchEnabled)), nil
	case "DOCKER_SOCKET_PROXY_ENABLED":
		return yesOrEmpty(bool(cfg.IsDockerSocketProxyEnabled)), nil
	case "WHITEBOARD_ENABLED":
		return yesOrEmpty(bool(cfg.IsWhiteboardEnabled)), nil
	case "INSTALL_LATEST_MAJOR":
		return yesOrEmpty(bool(cfg.InstallLatestMajor)), nil
	case "REMOVE_DISABLED_APPS":
		return yesOrEmpty(cfg.NextcloudKeepDisabledApps == nil), nil
	case "UPDATE_NEXTCLOUD_APPS":
		return yesOrEmpty(bool(cfg.InstallLatestMajor)), nil
	case "ADDITIONAL_DIRECTORIES_BACKUP":
		return yesOrEmpty(len(cfg.AdditionalBackupDirectories) > 0), nil
	case "TIMEZONE":
		if cfg.Timezone != nil && *cfg.Timezone != "" {
			return *cfg.Timezone, nil
		}
		return "Etc/UTC", nil
	case "COLLABORA_DICTIONARIES":
		if cfg.CollaboraDictionaries != nil && *cfg.CollaboraDictionaries != "" {
			return *cfg.CollaboraDictionaries, nil
		}
		return defaultCollaboraDictionaries, nil
	case "COLLABORA_SECCOMP_POLICY":
		return collaboraSeccompPolicy(cfg), nil
	case "BORG_RETENTION_POLICY":
		return cfg.BorgRetentionPolicy, nil
	case "BORGBACKUP_HOST_LOCATION":
		return derefOr(cfg.BorgBackupHostLocation, ""), nil
	case "BACKUP_RESTORE_PASSWORD":
		return derefOr(cfg.BorgRestorePassword, ""), nil
	case "SELECTED_RESTORE_TIME":
		return derefOr(cfg.SelectedRestoreTime, ""), nil
	case "AIO_DATABASE_HOST":
		return lookupHost("nextcloud-aio-database"), nil
	case "CADDY_IP_ADDRESS":
		if containsString(ctx.communityContainers, "caddy") {
			return lookupHost("nextcloud-aio-caddy"), nil
		}
		return "", nil
	default:
		secret, ok := ctx.store.GetSecret(name)
		if !ok {
			return "", NewError(KindMissingSecret, "secret "+name+" is empty", nil)
		}
		return secret, nil
	}
}

func collaboraSeccompPolicy(cfg *config.Configuration) string {
	if bool(cfg.CollaboraSeccompDisabled) {
		return "unconfined"
	}
	return "default"
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func lookupHost(host string) string {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
