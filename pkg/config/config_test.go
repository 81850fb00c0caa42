package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o := Defaults()

	assert.Equal(t, "gitako", o.CachePrefix)
	assert.Equal(t, "1.0.0", o.CacheVersion)
	assert.Equal(t, 1, o.SchemaVersion)
	assert.Equal(t, "/dashboard/", o.OfflineLanding)
	assert.Equal(t, filepath.Join(o.DataDir, "GitakoFarmDB.db"), o.DBPath)
	assert.Contains(t, o.Manifest, "/manifest.json")
	assert.Contains(t, o.APIPatterns, "/inventory/inventory_dashboard/")
	assert.NoError(t, o.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GITAKO_SERVER_URL":     "https://farm.example.com",
		"GITAKO_SCHEMA_VERSION": "3",
		"GITAKO_MANIFEST":       "/, /dashboard/ ,",
		"GITAKO_LOG_LEVEL":      "debug",
	}
	o := Defaults()
	o.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "https://farm.example.com", o.ServerURL)
	assert.Equal(t, 3, o.SchemaVersion)
	assert.Equal(t, []string{"/", "/dashboard/"}, o.Manifest)
	assert.Equal(t, "debug", o.LogLevel)
}

func TestApplyEnv_BadNumberIgnored(t *testing.T) {
	o := Defaults()
	o.ApplyEnv(func(k string) (string, bool) {
		if k == "GITAKO_SCHEMA_VERSION" {
			return "two", true
		}
		return "", false
	})
	assert.Equal(t, 1, o.SchemaVersion)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitako.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url = "http://farm.lan:8000"
cache_version = "1.1.0"
manifest = ["/", "/static/css/mobile.css"]
`), 0o600))

	o := Defaults()
	require.NoError(t, o.LoadFile(path))
	assert.Equal(t, "http://farm.lan:8000", o.ServerURL)
	assert.Equal(t, "1.1.0", o.CacheVersion)
	assert.Equal(t, []string{"/", "/static/css/mobile.css"}, o.Manifest)
	// untouched keys keep their defaults
	assert.Equal(t, "gitako", o.CachePrefix)

	assert.Error(t, o.LoadFile(filepath.Join(t.TempDir(), "missing.toml")))

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("server_url = "), 0o600))
	assert.Error(t, o.LoadFile(bad))
}

func TestNewConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gitako.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url = "http://from-file:8000"
listen_addr = "127.0.0.1:9000"
log_level = "warn"
data_dir = "`+filepath.ToSlash(dir)+`"
`), 0o600))

	t.Setenv("GITAKO_CONFIG", path)
	t.Setenv("GITAKO_LISTEN_ADDR", "127.0.0.1:9100")
	t.Setenv("GITAKO_LOG_LEVEL", "error")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	o, err := NewConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "http://from-file:8000", o.ServerURL)
	assert.Equal(t, "127.0.0.1:9100", o.ListenAddr)
	assert.Equal(t, "debug", o.LogLevel)
	assert.Equal(t, filepath.Join(dir, "GitakoFarmDB.db"), o.DBPath)
}

func TestNewConfig_FlagOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitako.toml")
	require.NoError(t, os.WriteFile(path, []byte(`server_url = "http://from-file:8000"`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--server", "http://from-flag:8000", "--db", "/tmp/q.db"}))

	o, err := NewConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag:8000", o.ServerURL)
	assert.Equal(t, "/tmp/q.db", o.DBPath)
}

func TestValidate(t *testing.T) {
	o := Defaults()
	o.ServerURL = "farm"
	assert.Error(t, o.Validate())

	o = Defaults()
	o.SchemaVersion = 0
	assert.Error(t, o.Validate())

	o = Defaults()
	o.RequestTimeout = "soon"
	assert.Error(t, o.Validate())

	o = Defaults()
	o.RequestTimeout = ""
	d, err := o.Timeout()
	require.NoError(t, err)
	assert.Zero(t, d)
}
