package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseServers(t *testing.T) {
	t.Parallel()

	doc := []byte(`
servers:
  amap:
    description: geodata tools
    command: ["uvx", "amap-mcp-server"]
    env:
      AMAP_MAPS_API_KEY: ${AMAP_KEY}
      REGION: cn-${ZONE}
  local:
    command: ["${HOME_BIN}/worker", "--stdio"]
`)
	servers, err := ParseServers(doc, lookupFrom(map[string]string{
		"AMAP_KEY": "secret",
		"HOME_BIN": "/opt/bin",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"amap", "local"}, Names(servers))

	amap := servers["amap"]
	require.Equal(t, "amap", amap.Name)
	require.Equal(t, []string{"uvx", "amap-mcp-server"}, amap.Command)
	require.Equal(t, map[string]string{"AMAP_MAPS_API_KEY": "secret", "REGION": "cn-"}, amap.Env)
	require.Equal(t, []string{"/opt/bin/worker", "--stdio"}, servers["local"].Command)
	require.Nil(t, servers["local"].Env)
}

func TestParseServers_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing command": "servers:\n  amap:\n    env: {A: b}\n",
		"empty argv0":     "servers:\n  amap:\n    command: [\"\"]\n",
		"unknown field":   "servers:\n  amap:\n    command: [x]\n    args: [y]\n",
		"not yaml":        "servers: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseServers([]byte(doc), lookupFrom(nil))
			require.Error(t, err)
		})
	}
}

func TestParseServers_Empty(t *testing.T) {
	t.Parallel()

	servers, err := ParseServers(nil, lookupFrom(nil))
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestLoadServers_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadServers(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestWatchServers_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  a:\n    command: [one]\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		seen []map[string]Server
	)
	done := make(chan error, 1)
	go func() {
		done <- WatchServers(ctx, path, nil, func(s map[string]Server) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		})
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// A broken document is ignored.
	require.NoError(t, os.WriteFile(path, []byte("servers: ["), 0o600))
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	require.Empty(t, seen)
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("servers:\n  a:\n    command: [one]\n  b:\n    command: [two]\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && len(seen[len(seen)-1]) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
