package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	masterContainerName  = "nextcloud-aio-mastercontainer"
	registryAuthURL      = "https://auth.docker.io/token"
	registryBaseURL      = "https://registry-1.docker.io/v2"
	manifestAcceptHeader = "application/vnd.oci.image.index.v1+json," +
		"application/vnd.docker.distribution.manifest.list.v2+json," +
		"application/vnd.docker.distribution.manifest.v2+json"
	digestCacheTTL = 600 * time.Second
)

// RegistryClient performs the two narrow outbound calls needed for digest
// comparison against the public image registry: an anonymous bearer-token
// fetch and a manifest HEAD. Built directly on net/http — see DESIGN.md for
// why no pack dependency fits this without dragging in an entire image
// transport stack.
type RegistryClient struct {
	engine *Client
	http   *http.Client

	channelOnce sync.Once
	channel     string
	channelErr  error

	digestMu    sync.Mutex
	digestCache map[string]digestCacheEntry
}

type digestCacheEntry struct {
	digest string
	at     time.Time
}

// NewRegistryClient builds a RegistryClient that resolves the channel tag by
// inspecting the master container through engine.
func NewRegistryClient(engine *Client) *RegistryClient {
	return NewRegistryClientWithHTTPClient(engine, &http.Client{Timeout: 10 * time.Second})
}

// NewRegistryClientWithHTTPClient builds a RegistryClient whose registry
// calls go through httpClient instead of a default one reaching the real
// public registry — for tests that script a fake RoundTripper to simulate
// an unreachable or responding registry.
func NewRegistryClientWithHTTPClient(engine *Client, httpClient *http.Client) *RegistryClient {
	return &RegistryClient{
		engine:      engine,
		http:        httpClient,
		digestCache: make(map[string]digestCacheEntry),
	}
}

// CurrentChannel returns the master container's own image tag, cached for
// the process lifetime. Falls back to "latest" if the tag can't be parsed.
func (r *RegistryClient) CurrentChannel(ctx context.Context) string {
	r.channelOnce.Do(func() {
		resp, err := r.engine.docker.ContainerInspect(ctx, masterContainerName)
		if err != nil || resp.Config == nil {
			r.channel = "latest"
			r.engine.log.Warn("could not inspect master container to determine channel, defaulting to latest")
			return
		}
		r.channel = parseChannelTag(resp.Config.Image)
	})
	return r.channel
}

func parseChannelTag(image string) string {
	parts := strings.Split(image, ":")
	if len(parts) != 2 || parts[1] == "" {
		return "latest"
	}
	return parts[1]
}

// LatestDigest requests an anonymous bearer token scoped to the named
// repository, then HEADs the manifest endpoint for tag, returning the
// Docker-Content-Digest header. Cached for 600 seconds per (name, tag).
// Returns ok=false on any failure.
func (r *RegistryClient) LatestDigest(ctx context.Context, name, tag string) (digest string, ok bool) {
	key := name + ":" + tag

	r.digestMu.Lock()
	if entry, found := r.digestCache[key]; found && time.Since(entry.at) < digestCacheTTL {
		r.digestMu.Unlock()
		return entry.digest, true
	}
	r.digestMu.Unlock()

	token, err := r.fetchToken(ctx, name)
	if err != nil {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		fmt.Sprintf("%s/%s/manifests/%s", registryBaseURL, name, tag), nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", manifestAcceptHeader)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	digest = resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", false
	}

	r.digestMu.Lock()
	r.digestCache[key] = digestCacheEntry{digest: digest, at: time.Now()}
	r.digestMu.Unlock()
	return digest, true
}

type registryToken struct {
	Token string `json:"token"`
}

func (r *RegistryClient) fetchToken(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("%s?service=registry.docker.io&scope=repository:%s:pull", registryAuthURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching registry token", resp.StatusCode)
	}
	var tok registryToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	return tok.Token, nil
}

// RepoDigests inspects the container, then its underlying image, and
// returns the digest suffixes of RepoDigests. ok=false on any failure.
func (r *RegistryClient) RepoDigests(ctx context.Context, id string) (digests []string, ok bool) {
	containerResp, err := r.engine.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, false
	}
	imageResp, _, err := r.engine.docker.ImageInspectWithRaw(ctx, containerResp.Image)
	if err != nil {
		return nil, false
	}
	if len(imageResp.RepoDigests) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(imageResp.RepoDigests))
	for _, rd := range imageResp.RepoDigests {
		if i := strings.Index(rd, "@"); i >= 0 {
			out = append(out, rd[i+1:])
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// RepositoryReachable reports whether the registry resolved a digest for
// spec's resolved image/tag.
func (r *RegistryClient) RepositoryReachable(ctx context.Context, containerName, imageTag string) bool {
	tag := imageTag
	if tag == "%AIO_CHANNEL%" {
		tag = r.CurrentChannel(ctx)
	}
	_, ok := r.LatestDigest(ctx, containerName, tag)
	return ok
}

// UpdateAvailable reports Equal iff the latest remote digest matches any of
// the container's current repo digests; Different otherwise, including when
// the remote digest is unknown — an unreachable registry must never be
// mistaken for "up to date".
func (r *RegistryClient) UpdateAvailable(ctx context.Context, id, containerName, imageTag string) VersionState {
	tag := imageTag
	if tag == "%AIO_CHANNEL%" {
		tag = r.CurrentChannel(ctx)
	}
	running, ok := r.RepoDigests(ctx, id)
	if !ok {
		return VersionDifferent
	}
	remote, ok := r.LatestDigest(ctx, containerName, tag)
	if !ok {
		return VersionDifferent
	}
	for _, d := range running {
		if d == remote {
			return VersionEqual
		}
	}
	return VersionDifferent
}
