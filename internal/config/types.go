// Package config implements the persisted configuration document: its
// wire format, defaults, environment overlay, and the reader/writer handle
// pair used to mutate it under an explicit commit.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// BackupMode mirrors the source's five-state backup mode, serialized
// kebab-case on the wire. The zero value (None) is entirely omitted.
type BackupMode string

const (
	BackupModeNone        BackupMode = ""
	BackupModeBackup      BackupMode = "backup"
	BackupModeCheck       BackupMode = "check"
	BackupModeCheckRepair BackupMode = "check-repair"
	BackupModeTest        BackupMode = "test"
)

// intBool round-trips as the wire integers 0/1 rather than JSON booleans.
type intBool bool

func (b intBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *intBool) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = n == 1
	return nil
}

// stringBool round-trips as the literal strings "true"/"false", for fields
// that downstream shell scripts source directly.
type stringBool bool

func (b stringBool) MarshalJSON() ([]byte, error) {
	if b {
		return json.Marshal("true")
	}
	return json.Marshal("false")
}

func (b *stringBool) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*b = stringBool(s == "true")
	return nil
}

// stringVec round-trips as a single space-joined string; empties are
// filtered on decode.
type stringVec []string

func (v stringVec) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(v, " "))
}

func (v *stringVec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = splitSpaceFiltered(s)
	return nil
}

func splitSpaceFiltered(s string) stringVec {
	parts := strings.Split(s, " ")
	out := make(stringVec, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intString round-trips a numeric port/timeout as a JSON string.
type intString uint16

func (n intString) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.Itoa(int(n)))
}

func (n *intString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return err
	}
	*n = intString(v)
	return nil
}

// Configuration is the single persisted document: user choices, feature
// flags, ports, and generated secrets/tokens.
type Configuration struct {
	Password string `json:"password"`

	IsClamavEnabled            intBool `json:"isClamavEnabled,omitempty"`
	IsDockerSocketProxyEnabled intBool `json:"isDockerSocketProxyEnabled,omitempty"`
	IsWhiteboardEnabled        intBool `json:"isWhiteboardEnabled,omitempty"`
	IsImaginaryEnabled         intBool `json:"isImaginaryEnabled,omitempty"`
	IsFulltextsearchEnabled    intBool `json:"isFulltextsearchEnabled,omitempty"`
	IsOnlyofficeEnabled        intBool `json:"isOnlyofficeEnabled,omitempty"`
	IsCollaboraEnabled         intBool `json:"isCollaboraEnabled,omitempty"`
	IsTalkEnabled              intBool `json:"isTalkEnabled,omitempty"`
	IsTalkRecordingEnabled     intBool `json:"isTalkRecordingEnabled,omitempty"`
	WasStartButtonClicked      intBool `json:"wasStartButtonClicked,omitempty"`
	InstallLatestMajor         intBool `json:"install_latest_major,omitempty"`
	InstanceRestoreAttempt     intBool `json:"instance_restore_attempt,omitempty"`

	CollaboraSeccompDisabled stringBool `json:"collabora_seccomp_disabled,omitempty"`
	DisableBackupSection     stringBool `json:"disable_backup_section,omitempty"`
	NextcloudEnableDriDevice stringBool `json:"nextcloud_enable_dri_device,omitempty"`

	ApachePort       intString `json:"apache_port"`
	TalkPort         intString `json:"talk_port"`
	NextcloudMaxTime intString `json:"nextcloud_max_time"`

	NextcloudAdditionalApks          stringVec `json:"nextcloud_additional_apks,omitempty"`
	NextcloudAdditionalPhpExtensions stringVec `json:"nextcloud_additional_php_extensions,omitempty"`
	AIOCommunityContainers           stringVec `json:"aio_community_containers,omitempty"`

	NextcloudUploadLimit string `json:"nextcloud_upload_limit"`
	NextcloudMemoryLimit string `json:"nextcloud_memory_limit"`
	BorgRetentionPolicy  string `json:"borg_retention_policy"`
	DockerSocketPath     string `json:"docker_socket_path"`
	NextcloudDatadir     string `json:"nextcloud_datadir"`

	NextcloudMount            *string    `json:"nextcloud_mount,omitempty"`
	TrustedCacertsDir         *string    `json:"trusted_cacerts_dir,omitempty"`
	ApacheIPBinding           *string    `json:"apache_ip_binding,omitempty"`
	NextcloudKeepDisabledApps *string    `json:"nextcloud_keep_disabled_apps,omitempty"`
	BorgBackupHostLocation    *string    `json:"borg_backup_host_location,omitempty"`
	AIOURL                    *string    `json:"AIO_URL,omitempty"`
	AIOToken                  *string    `json:"aio_token,omitempty"`
	BackupMode                BackupMode `json:"backup_mode,omitempty"`
	Domain                    *string    `json:"domain,omitempty"`
	NextcloudPassword         *string    `json:"nextcloud_password,omitempty"`

	BorgRestorePassword         *string   `json:"borg_restore_password,omitempty"`
	SelectedRestoreTime         *string   `json:"selected_restore_time,omitempty"`
	CollaboraDictionaries       *string   `json:"collabora_dictionaries,omitempty"`
	Timezone                    *string   `json:"timezone,omitempty"`
	AdditionalBackupDirectories stringVec `json:"additional_backup_directories,omitempty"`

	// Secrets holds generated/secret values keyed by name, consulted as the
	// fallback placeholder lookup during container creation.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Default returns the document's factory defaults, matching the concrete
// values of the field list in SPEC_FULL.md §3.
func Default() Configuration {
	return Configuration{
		ApachePort:                       443,
		TalkPort:                         3478,
		NextcloudMaxTime:                 3600,
		NextcloudUploadLimit:             "10G",
		NextcloudMemoryLimit:             "512M",
		BorgRetentionPolicy:              "--keep-within=7d --keep-weekly=4 --keep-monthly=6",
		DockerSocketPath:                 "/var/run/docker.sock",
		NextcloudDatadir:                 "nextcloud_aio_nextcloud_data",
		NextcloudAdditionalApks:          stringVec{"imagemagick"},
		NextcloudAdditionalPhpExtensions: stringVec{"imagick"},
	}
}

// UpdateFromEnv applies the recognized environment overlay (SPEC_FULL.md
// §6). Parse failures for a variable leave the corresponding field
// unchanged.
func (c *Configuration) UpdateFromEnv() {
	if v, ok := os.LookupEnv("APACHE_PORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.ApachePort = intString(n)
		}
	}
	if v, ok := os.LookupEnv("TALK_PORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.TalkPort = intString(n)
		}
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_MAX_TIME"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.NextcloudMaxTime = intString(n)
		}
	}

	if v, ok := os.LookupEnv("AIO_DISABLE_BACKUP_SECTION"); ok {
		c.DisableBackupSection = stringBool(v == "true")
	}
	if v, ok := os.LookupEnv("COLLABORA_SECCOMP_DISABLED"); ok {
		c.CollaboraSeccompDisabled = stringBool(v == "true")
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_ENABLE_DRI_DEVICE"); ok {
		c.NextcloudEnableDriDevice = stringBool(v == "true")
	}

	if v, ok := os.LookupEnv("NEXTCLOUD_MOUNT"); ok {
		c.NextcloudMount = &v
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_TRUSTED_CACERTS_DIR"); ok {
		c.TrustedCacertsDir = &v
	}
	if v, ok := os.LookupEnv("APACHE_IP_BINDING"); ok {
		c.ApacheIPBinding = &v
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_KEEP_DISABLED_APPS"); ok {
		c.NextcloudKeepDisabledApps = &v
	}

	if v, ok := os.LookupEnv("NEXTCLOUD_UPLOAD_LIMIT"); ok {
		c.NextcloudUploadLimit = v
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_MEMORY_LIMIT"); ok {
		c.NextcloudMemoryLimit = v
	}
	if v, ok := os.LookupEnv("BORG_RETENTION_POLICY"); ok {
		c.BorgRetentionPolicy = v
	}
	if v, ok := os.LookupEnv("WATCHTOWER_DOCKER_SOCKET_PATH"); ok {
		c.DockerSocketPath = v
	}

	if v, ok := os.LookupEnv("NEXTCLOUD_ADDITIONAL_APKS"); ok {
		c.NextcloudAdditionalApks = splitSpaceFiltered(v)
	}
	if v, ok := os.LookupEnv("NEXTCLOUD_ADDITIONAL_PHP_EXTENSIONS"); ok {
		c.NextcloudAdditionalPhpExtensions = splitSpaceFiltered(v)
	}
	if v, ok := os.LookupEnv("AIO_COMMUNITY_CONTAINERS"); ok {
		c.AIOCommunityContainers = splitSpaceFiltered(v)
	}
}
