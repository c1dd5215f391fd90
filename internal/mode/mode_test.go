package mode

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-orchestrator/masterd/internal/catalog"
	"github.com/aio-orchestrator/masterd/internal/config"
	"github.com/aio-orchestrator/masterd/internal/engine"
	"github.com/aio-orchestrator/masterd/internal/lifecycle"
)

func emptyCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"aio_services_v1":[]}`), 0o644))
	c, err := catalog.Load(path)
	require.NoError(t, err)
	return c
}

func newTestController(t *testing.T) (*Controller, *config.Store) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	store := config.Open(filepath.Join(t.TempDir(), "config.json"), log)
	lc := lifecycle.Context{
		Catalog: emptyCatalog(t),
		Store:   store,
		Log:     log,
	}
	return New(lc), store
}

func TestStartDomaincheck_SkipsWhenDomainAlreadySet(t *testing.T) {
	c, store := newTestController(t)
	domain := "cloud.example.com"
	g := store.Write()
	g.Domain = &domain
	require.NoError(t, g.Commit())

	assert.NoError(t, c.StartDomaincheck(context.Background()))
}

func TestStartDomaincheck_SkipsWhenStartButtonAlreadyClicked(t *testing.T) {
	c, store := newTestController(t)
	g := store.Write()
	g.WasStartButtonClicked = true
	require.NoError(t, g.Commit())

	assert.NoError(t, c.StartDomaincheck(context.Background()))
}

func TestStartDomaincheck_SuppressesRepeatAttemptsWithinWindow(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.StartDomaincheck(context.Background()))
	assert.False(t, c.domaincheckLastAttempt.IsZero())
	first := c.domaincheckLastAttempt

	require.NoError(t, c.StartDomaincheck(context.Background()))
	assert.Equal(t, first, c.domaincheckLastAttempt, "a suppressed attempt must not bump the timestamp")
}

func TestSetBackupMode_PersistsThroughStore(t *testing.T) {
	c, store := newTestController(t)
	require.NoError(t, c.setBackupMode(config.BackupModeCheck))
	assert.Equal(t, config.BackupModeCheck, store.Read().Config().BackupMode)
}

func TestStartDomaincheck_InspectFailureIsLoggedAndSwallowed(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	store := config.Open(filepath.Join(t.TempDir(), "config.json"), log)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"aio_services_v1":[{"container_name":"nextcloud-aio-apache","image":"nextcloud-aio-apache"}]}`), 0o644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)

	transport := engine.NewFakeTransport(engine.FakeRoute{
		Method: http.MethodGet,
		Handle: func(*http.Request, int) (*http.Response, error) {
			return nil, errors.New("engine unreachable")
		},
	})
	cli, err := engine.NewWithTransport("/var/run/docker.sock", log, transport)
	require.NoError(t, err)

	c := New(lifecycle.Context{Catalog: cat, Engine: cli, Store: store, Log: log})

	assert.NoError(t, c.StartDomaincheck(context.Background()))
	assert.True(t, c.domaincheckLastAttempt.IsZero(), "a failed pre-flight inspect must not count as an attempt")
}

func TestRandomHex_ProducesDistinctValuesOfExpectedLength(t *testing.T) {
	a, err := randomHex(24)
	require.NoError(t, err)
	b, err := randomHex(24)
	require.NoError(t, err)
	assert.Len(t, a, 48)
	assert.NotEqual(t, a, b)
}
