package engine

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	containerJSONRe = regexp.MustCompile(`/containers/[^/]+/json$`)
	imageJSONRe     = regexp.MustCompile(`/images/[^/]+/json$`)
)

func TestParseChannelTag(t *testing.T) {
	assert.Equal(t, "latest", parseChannelTag("nextcloud/aio-mastercontainer"))
	assert.Equal(t, "beta", parseChannelTag("nextcloud/aio-mastercontainer:beta"))
	assert.Equal(t, "latest", parseChannelTag("nextcloud/aio-mastercontainer:"))
}

func TestLatestDigest_ServesFromCacheWithinTTL(t *testing.T) {
	r := NewRegistryClient(nil)
	r.digestCache["nextcloud/aio-nextcloud:latest"] = digestCacheEntry{digest: "sha256:cached", at: time.Now()}

	digest, ok := r.LatestDigest(context.Background(), "nextcloud/aio-nextcloud", "latest")
	assert.True(t, ok)
	assert.Equal(t, "sha256:cached", digest)
}

func TestLatestDigest_ExpiredCacheIsNotServed(t *testing.T) {
	r := NewRegistryClient(nil)
	r.digestCache["nextcloud/aio-nextcloud:latest"] = digestCacheEntry{
		digest: "sha256:stale",
		at:     time.Now().Add(-2 * digestCacheTTL),
	}
	_, found := r.digestCache["nextcloud/aio-nextcloud:latest"]
	assert.True(t, found, "entry should still be present in the map")
	assert.True(t, time.Since(r.digestCache["nextcloud/aio-nextcloud:latest"].at) >= digestCacheTTL)
}

// newRunningDigestClient builds a Client whose ContainerInspect/ImageInspect
// calls report a container running an image whose RepoDigests is
// repoDigests, so UpdateAvailable's RepoDigests() half can be exercised
// without a live engine.
func newRunningDigestClient(t *testing.T, repoDigests []string) *Client {
	t.Helper()
	transport := NewFakeTransport(
		FakeRoute{Method: http.MethodGet, Path: containerJSONRe, Handle: func(*http.Request, int) (*http.Response, error) {
			return JSONResponse(http.StatusOK, map[string]interface{}{"Image": "sha256:imageid"})
		}},
		FakeRoute{Method: http.MethodGet, Path: imageJSONRe, Handle: func(*http.Request, int) (*http.Response, error) {
			return JSONResponse(http.StatusOK, map[string]interface{}{"RepoDigests": repoDigests})
		}},
	)
	cli, err := NewWithTransport("/var/run/docker.sock", logrus.NewEntry(logrus.New()), transport)
	require.NoError(t, err)
	return cli
}

var failingTransport = roundTripperFunc(func(*http.Request) (*http.Response, error) {
	return nil, errors.New("registry unreachable")
})

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestUpdateAvailable_MatchingDigestIsEqual(t *testing.T) {
	cli := newRunningDigestClient(t, []string{"nextcloud/aio-nextcloud@sha256:same"})
	r := NewRegistryClientWithHTTPClient(cli, &http.Client{Transport: failingTransport})
	r.digestCache["nextcloud/aio-nextcloud:latest"] = digestCacheEntry{digest: "sha256:same", at: time.Now()}

	state := r.UpdateAvailable(context.Background(), "nextcloud-aio-nextcloud", "nextcloud/aio-nextcloud", "latest")
	assert.Equal(t, VersionEqual, state)
}

func TestUpdateAvailable_MismatchedDigestIsDifferent(t *testing.T) {
	cli := newRunningDigestClient(t, []string{"nextcloud/aio-nextcloud@sha256:old"})
	r := NewRegistryClientWithHTTPClient(cli, &http.Client{Transport: failingTransport})
	r.digestCache["nextcloud/aio-nextcloud:latest"] = digestCacheEntry{digest: "sha256:new", at: time.Now()}

	state := r.UpdateAvailable(context.Background(), "nextcloud-aio-nextcloud", "nextcloud/aio-nextcloud", "latest")
	assert.Equal(t, VersionDifferent, state)
}

// TestUpdateAvailable_UnknownRemoteDigestIsDifferent locks in the fix for
// the inversion where an unreachable registry was reported as "up to
// date": an unknown remote digest must never be mistaken for equality.
func TestUpdateAvailable_UnknownRemoteDigestIsDifferent(t *testing.T) {
	cli := newRunningDigestClient(t, []string{"nextcloud/aio-nextcloud@sha256:old"})
	r := NewRegistryClientWithHTTPClient(cli, &http.Client{Transport: failingTransport})

	state := r.UpdateAvailable(context.Background(), "nextcloud-aio-nextcloud", "nextcloud/aio-nextcloud", "latest")
	assert.Equal(t, VersionDifferent, state)
}

