// Package catalog loads the fixed container manifest and answers
// dependency-graph queries over it. It is read-only after Load.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imdario/mergo"
)

// Port is one published or exposed port entry of a container spec.
type Port struct {
	IPBinding string `json:"ip_binding"`
	Port      string `json:"port_number"`
	Protocol  string `json:"protocol"`
}

// Volume is one volume mount entry of a container spec.
type Volume struct {
	Name       string `json:"source"`
	MountPoint string `json:"destination"`
	Writable   bool   `json:"writeable"`
}

// Spec is an immutable container definition as loaded from the manifest.
type Spec struct {
	Identifier              string   `json:"container_name"`
	DisplayName             string   `json:"display_name"`
	ContainerName           string   `json:"image"`
	RestartPolicy           string   `json:"restart"`
	MaxShutdownTimeSeconds  int64    `json:"stop_grace_period"`
	Ports                   []Port   `json:"ports"`
	InternalPort            string   `json:"internal_port"`
	Volumes                 []Volume `json:"volumes"`
	EnvTemplates            []string `json:"environment"`
	DependsOn               []string `json:"depends_on"`
	Secrets                 []string `json:"secrets"`
	Devices                 []string `json:"devices"`
	CapAdd                  []string `json:"cap_add"`
	CapDrop                 []string `json:"cap_drop"`
	ShmSizeBytes            int64    `json:"shm_size"`
	ApparmorUnconfined      bool     `json:"apparmor_unconfined"`
	BackupVolumes           []string `json:"backup_volumes"`
	NextcloudExecCommands   []string `json:"nextcloud_exec_commands"`
	ReadOnlyRootFS          bool     `json:"read_only"`
	Tmpfs                   []string `json:"tmpfs"`
	Init                    bool     `json:"init"`
	ImageTag                string   `json:"image_tag"`
	AIOVariables            []string `json:"aio_variables"`
	Documentation           string   `json:"documentation"`
}

// defaults mirrors the manifest's per-field defaults applied before
// unmarshaling overwrites them.
func defaultSpec() Spec {
	return Spec{
		ImageTag:               "%AIO_CHANNEL%",
		Init:                   true,
		ReadOnlyRootFS:         false,
		ApparmorUnconfined:     false,
		ShmSizeBytes:           -1,
		MaxShutdownTimeSeconds: 10,
	}
}

// UnmarshalJSON applies defaultSpec before decoding so omitted fields take
// the manifest's documented defaults rather than Go's zero values.
func (s *Spec) UnmarshalJSON(data []byte) error {
	type alias Spec
	d := alias(defaultSpec())
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*s = Spec(d)
	return nil
}

type manifest struct {
	Containers []Spec `json:"aio_services_v1"`
}

// Catalog is the keyed, read-only container manifest.
type Catalog struct {
	byID map[string]*Spec
}

// Load reads the manifest at path and validates it: identifiers are unique,
// every depends_on target exists, and the depends_on graph is acyclic.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding catalog manifest: %w", err)
	}
	return build(m.Containers)
}

// LoadWithCommunity loads the builtin manifest and merges any community
// fragments found under communityDir/<name>/<name>.json, keyed by
// identifier. Identifier collisions are resolved in favor of the builtin
// manifest.
func LoadWithCommunity(builtinPath, communityDir string) (*Catalog, error) {
	c, err := Load(builtinPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(communityDir)
	if err != nil {
		// No community containers directory is not an error; it simply
		// means no community containers are installed.
		return c, nil
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		fragmentPath := filepath.Join(communityDir, name, name+".json")
		data, err := os.ReadFile(fragmentPath)
		if err != nil {
			continue
		}
		var fragment Spec
		if err := json.Unmarshal(data, &fragment); err != nil {
			continue
		}
		if existing, ok := c.byID[fragment.Identifier]; ok {
			// Builtin wins: merge the fragment as the base and let the
			// builtin spec override any overlapping fields.
			merged := fragment
			if err := mergo.Merge(&merged, *existing, mergo.WithOverride); err != nil {
				continue
			}
			c.byID[fragment.Identifier] = &merged
			continue
		}
		spec := fragment
		c.byID[fragment.Identifier] = &spec
	}
	return c, nil
}

func build(specs []Spec) (*Catalog, error) {
	byID := make(map[string]*Spec, len(specs))
	for i := range specs {
		s := specs[i]
		if _, exists := byID[s.Identifier]; exists {
			return nil, fmt.Errorf("duplicate container identifier %q", s.Identifier)
		}
		byID[s.Identifier] = &s
	}
	for id, s := range byID {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("container %q depends on unknown identifier %q", id, dep)
			}
		}
	}
	c := &Catalog{byID: byID}
	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(c.byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle detected at %q", id)
		}
		state[id] = visiting
		for _, dep := range c.byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for id := range c.byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the spec for id, if present.
func (c *Catalog) Get(id string) (*Spec, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// DependencyList returns id and all of its transitive dependencies in an
// order where dependencies precede dependents: a dependency appears exactly
// once, at the earliest position that satisfies every one of its dependents,
// not merely the first one to discover it. A recursive post-order
// traversal guarantees this: a spec is only appended once every dependency
// reachable from it has already been appended, regardless of how many other
// dependents share that dependency or at what depth they discover it.
func (c *Catalog) DependencyList(id string) []*Spec {
	var acc []*Spec
	visited := make(map[string]bool)
	var visit func(cur string)
	visit = func(cur string) {
		if visited[cur] {
			return
		}
		visited[cur] = true
		spec, ok := c.byID[cur]
		if !ok {
			return
		}
		for _, dep := range spec.DependsOn {
			visit(dep)
		}
		acc = append(acc, spec)
	}
	visit(id)
	return acc
}
