package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidateNeedsRpcs(t *testing.T) {
	s := Default()
	require.Error(t, s.Validate())

	s.Rpcs = []RpcEntry{{URL: "http://localhost:8545"}}
	require.NoError(t, s.Validate())
}

func TestValidateWSModeNeedsWSURLs(t *testing.T) {
	s := Default()
	s.IsWS = true
	s.Rpcs = []RpcEntry{{URL: "http://localhost:8545"}}
	require.Error(t, s.Validate())

	s.Rpcs[0].WSURL = "ws://localhost:8546"
	require.NoError(t, s.Validate())
}

func TestValidateRejectsBadURLs(t *testing.T) {
	s := Default()
	s.Rpcs = []RpcEntry{{URL: "localhost:8545"}}
	assert.Error(t, s.Validate())

	s.Rpcs = []RpcEntry{{URL: "http://localhost:8545", WSURL: "http://localhost:8546"}}
	assert.Error(t, s.Validate())
}

func TestParseRpcList(t *testing.T) {
	entries, err := ParseRpcList("http://a:8545,http://b:8545|ws://b:8546, http://c:8545 ")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, RpcEntry{URL: "http://a:8545"}, entries[0])
	assert.Equal(t, RpcEntry{URL: "http://b:8545", WSURL: "ws://b:8546"}, entries[1])
	assert.Equal(t, RpcEntry{URL: "http://c:8545"}, entries[2])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blutgang.conf")
	content := `# test config
address = 0.0.0.0:3000
ttl = 500
health_check_ttl = 1000
admin = true
rpc_list = http://a:8545|ws://a:8546
cache_compression = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := Default()
	require.NoError(t, LoadFile(path, &s))

	assert.Equal(t, "0.0.0.0:3000", s.Address)
	assert.Equal(t, 500*time.Millisecond, s.TTL)
	assert.Equal(t, time.Second, s.HealthCheckTTL)
	assert.True(t, s.AdminEnabled)
	assert.True(t, s.CacheCompression)
	require.Len(t, s.Rpcs, 1)
	assert.Equal(t, "ws://a:8546", s.Rpcs[0].WSURL)
}

func TestLoadFileRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blutgang.conf")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key = 1\n"), 0o644))

	s := Default()
	err := LoadFile(path, &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_key")
}

func TestParseFlagsOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blutgang.conf")
	require.NoError(t, os.WriteFile(path, []byte("ttl = 500\naddress = 1.2.3.4:3000\n"), 0o644))

	s, err := ParseFlags([]string{
		"-config", path,
		"-ttl", "250",
		"-rpc_list", "http://a:8545",
	})
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, s.TTL)
	assert.Equal(t, "1.2.3.4:3000", s.Address)
	require.Len(t, s.Rpcs, 1)
}

func TestStoreRuntimeMutation(t *testing.T) {
	st := NewStore(Default())

	st.SetTTL(2 * time.Second)
	assert.Equal(t, 2*time.Second, st.TTL())

	st.SetHealthCheckTTL(3 * time.Second)
	assert.Equal(t, 3*time.Second, st.HealthCheckTTL())

	snap := st.Snapshot()
	assert.Equal(t, 2*time.Second, snap.TTL)
	assert.Equal(t, 3*time.Second, snap.HealthCheckTTL)
}
