package di_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdnet/kmed/internal/di"
	"github.com/qkdnet/kmed/internal/pool"
)

// newGraph writes the config to a temp file and builds the full service
// graph over it. Shutdown runs on cleanup.
func newGraph(t *testing.T, yamlCfg string) do.Injector {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kmed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlCfg), 0o600))

	injector := do.New()
	do.ProvideNamedValue(injector, di.ConfigPathKey, path)
	di.RegisterSingletons(injector)

	t.Cleanup(func() {
		if report := injector.Shutdown(); report != nil && !report.Succeed {
			t.Logf("graph shutdown: %s", report.Error())
		}
	})

	return injector
}

func masterConfig(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf(`
kme:
  id: "1"
  attached_sae_id: sae-master
pool:
  default_key_size: 32
  max_key_count: 16
  refill_threshold: 4
  batch_size: 8
  snapshot_path: %s
server:
  listen: 127.0.0.1:0
logging:
  level: info
  format: json
cache:
  mode: disabled
`, filepath.Join(t.TempDir(), "pool.json"))
}

func TestMasterGraph(t *testing.T) {
	t.Parallel()

	injector := newGraph(t, masterConfig(t))

	poolSvc := do.MustInvoke[*di.SharedPoolService](injector)
	require.NotNil(t, poolSvc.Pool, "master role runs the pool engine")

	clientSvc := do.MustInvoke[*di.PoolClientService](injector)
	require.IsType(t, &pool.LocalClient{}, clientSvc.Client)

	refillSvc := do.MustInvoke[*di.RefillerService](injector)
	assert.NotNil(t, refillSvc.Refiller)

	localSvc := do.MustInvoke[*di.LocalKMService](injector)
	assert.False(t, localSvc.Enabled(), "local KM off unless configured")

	limitsSvc := do.MustInvoke[*di.RateLimitService](injector)
	assert.Nil(t, limitsSvc.Registry, "rate limiting off unless enabled")

	serverSvc := do.MustInvoke[*di.ServerService](injector)
	assert.NotNil(t, serverSvc.Server)
}

func TestSlaveGraph(t *testing.T) {
	t.Parallel()

	injector := newGraph(t, `
kme:
  id: "2"
  attached_sae_id: sae-remote
  peers:
    - name: master
      base_url: http://127.0.0.1:9
server:
  listen: 127.0.0.1:0
logging:
  level: info
  format: json
cache:
  mode: disabled
`)

	poolSvc := do.MustInvoke[*di.SharedPoolService](injector)
	assert.Nil(t, poolSvc.Pool, "slave role has no pool engine")

	clientSvc := do.MustInvoke[*di.PoolClientService](injector)
	require.IsType(t, &pool.RemoteClient{}, clientSvc.Client)

	refillSvc := do.MustInvoke[*di.RefillerService](injector)
	assert.Nil(t, refillSvc.Refiller, "nothing to refill on a slave")

	proberSvc := do.MustInvoke[*di.ProberService](injector)
	assert.NotNil(t, proberSvc.Prober, "peers get recovery probes")

	storeSvc := do.MustInvoke[*di.KeyStoreService](injector)
	assert.NotNil(t, storeSvc.Store)
}

func TestSlaveWithoutPeersFailsClientWiring(t *testing.T) {
	t.Parallel()

	injector := newGraph(t, `
kme:
  id: "2"
server:
  listen: 127.0.0.1:0
logging:
  level: info
  format: json
cache:
  mode: disabled
`)

	_, err := do.Invoke[*di.PoolClientService](injector)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master")
}

func TestLocalKMGraph(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	injector := newGraph(t, fmt.Sprintf(`
kme:
  id: "1"
  attached_sae_id: sae-master
pool:
  snapshot_path: %s
local_km:
  id: km-local
  db_path: %s
  default_pool_size: 4
server:
  listen: 127.0.0.1:0
logging:
  level: info
  format: json
cache:
  mode: disabled
`, filepath.Join(dir, "pool.json"), filepath.Join(dir, "local_km.db")))

	localSvc := do.MustInvoke[*di.LocalKMService](injector)
	require.True(t, localSvc.Enabled())
	assert.NotNil(t, localSvc.Manager)
	assert.NotNil(t, localSvc.Worker)

	handlerSvc := do.MustInvoke[*di.HandlerService](injector)
	assert.NotNil(t, handlerSvc.Handler)
}

func TestRateLimitGraph(t *testing.T) {
	t.Parallel()

	injector := newGraph(t, fmt.Sprintf(`
kme:
  id: "1"
pool:
  snapshot_path: %s
rate_limit:
  enabled: true
  requests_per_minute: 10
server:
  listen: 127.0.0.1:0
logging:
  level: info
  format: json
cache:
  mode: disabled
`, filepath.Join(t.TempDir(), "pool.json")))

	limitsSvc := do.MustInvoke[*di.RateLimitService](injector)
	require.NotNil(t, limitsSvc.Registry)

	usage := limitsSvc.Registry.For("sae-a").GetUsage()
	assert.Equal(t, 10, usage.RequestsLimit)
}

func TestServicesAreSingletons(t *testing.T) {
	t.Parallel()

	injector := newGraph(t, masterConfig(t))

	first := do.MustInvoke[*di.ConfigService](injector)
	second := do.MustInvoke[*di.ConfigService](injector)
	assert.Same(t, first, second)

	poolA := do.MustInvoke[*di.SharedPoolService](injector)
	poolB := do.MustInvoke[*di.SharedPoolService](injector)
	assert.Same(t, poolA.Pool, poolB.Pool)
}
