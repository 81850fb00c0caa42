package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/wurt83ow/gitako-sw/pkg/lifecycle"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/router"
)

type Options struct {
	DataDir        string   `toml:"data_dir"`
	DBPath         string   `toml:"db_path"`
	CacheDBPath    string   `toml:"cache_db_path"`
	SyncInfoPath   string   `toml:"sync_info_path"`
	ServerURL      string   `toml:"server_url"`
	ListenAddr     string   `toml:"listen_addr"`
	CachePrefix    string   `toml:"cache_prefix"`
	CacheVersion   string   `toml:"cache_version"`
	SchemaVersion  int      `toml:"schema_version"`
	LogLevel       string   `toml:"log_level"`
	LogFile        string   `toml:"log_file"`
	OfflineLanding string   `toml:"offline_landing"`
	StaticPrefix   string   `toml:"static_prefix"`
	RequestTimeout string   `toml:"request_timeout"`
	Manifest       []string `toml:"manifest"`
	APIPatterns    []string `toml:"api_patterns"`
}

// Defaults returns the options used when nothing else is configured. Data
// files live under ~/.gitako.
func Defaults() *Options {
	dir := ".gitako"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".gitako")
	}
	o := &Options{
		DataDir:        dir,
		ServerURL:      "http://localhost:8000",
		ListenAddr:     "127.0.0.1:8080",
		CachePrefix:    "gitako",
		CacheVersion:   "1.0.0",
		SchemaVersion:  models.SchemaVersion,
		LogLevel:       "info",
		OfflineLanding: "/dashboard/",
		StaticPrefix:   "/static/",
		RequestTimeout: "30s",
		Manifest:       append([]string(nil), lifecycle.DefaultManifest...),
		APIPatterns:    append([]string(nil), router.DefaultAPIPatterns...),
	}
	o.fillPaths()
	return o
}

// fillPaths derives unset data file paths from DataDir.
func (o *Options) fillPaths() {
	if o.DBPath == "" {
		o.DBPath = filepath.Join(o.DataDir, models.DBName+".db")
	}
	if o.CacheDBPath == "" {
		o.CacheDBPath = filepath.Join(o.DataDir, "caches.db")
	}
	if o.SyncInfoPath == "" {
		o.SyncInfoPath = filepath.Join(o.DataDir, "sync_info.json")
	}
}

// LoadFile merges the TOML file at path into o. Keys missing from the file
// keep their current values.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides o with the GITAKO_* variables that lookup finds.
func (o *Options) ApplyEnv(lookup func(string) (string, bool)) {
	strs := map[string]*string{
		"GITAKO_DATA_DIR":        &o.DataDir,
		"GITAKO_DB_PATH":         &o.DBPath,
		"GITAKO_CACHE_DB_PATH":   &o.CacheDBPath,
		"GITAKO_SYNC_INFO_PATH":  &o.SyncInfoPath,
		"GITAKO_SERVER_URL":      &o.ServerURL,
		"GITAKO_LISTEN_ADDR":     &o.ListenAddr,
		"GITAKO_CACHE_PREFIX":    &o.CachePrefix,
		"GITAKO_CACHE_VERSION":   &o.CacheVersion,
		"GITAKO_LOG_LEVEL":       &o.LogLevel,
		"GITAKO_LOG_FILE":        &o.LogFile,
		"GITAKO_OFFLINE_LANDING": &o.OfflineLanding,
		"GITAKO_STATIC_PREFIX":   &o.StaticPrefix,
		"GITAKO_REQUEST_TIMEOUT": &o.RequestTimeout,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("GITAKO_SCHEMA_VERSION"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.SchemaVersion = n
		}
	}
	if v, ok := lookup("GITAKO_MANIFEST"); ok {
		o.Manifest = splitList(v)
	}
	if v, ok := lookup("GITAKO_API_PATTERNS"); ok {
		o.APIPatterns = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "path to a TOML config file")
	fs.String("data-dir", d.DataDir, "directory for local data files")
	fs.String("db", "", "offline queue database (default <data-dir>/"+models.DBName+".db)")
	fs.String("cache-db", "", "cache database (default <data-dir>/caches.db)")
	fs.String("sync-info", "", "last sync info file (default <data-dir>/sync_info.json)")
	fs.String("server", d.ServerURL, "farm server URL")
	fs.String("listen", d.ListenAddr, "address the worker listens on")
	fs.String("cache-version", d.CacheVersion, "cache generation version")
	fs.String("log-level", d.LogLevel, "log level")
	fs.String("log-file", "", "log file (default stderr)")
	fs.String("timeout", d.RequestTimeout, "server request timeout")
}

// flagFields maps flag names onto the options they set.
func (o *Options) flagFields() map[string]*string {
	return map[string]*string{
		"data-dir":      &o.DataDir,
		"db":            &o.DBPath,
		"cache-db":      &o.CacheDBPath,
		"sync-info":     &o.SyncInfoPath,
		"server":        &o.ServerURL,
		"listen":        &o.ListenAddr,
		"cache-version": &o.CacheVersion,
		"log-level":     &o.LogLevel,
		"log-file":      &o.LogFile,
		"timeout":       &o.RequestTimeout,
	}
}

// ApplyFlags copies the flags explicitly set on fs into o.
func (o *Options) ApplyFlags(fs *pflag.FlagSet) {
	for name, dst := range o.flagFields() {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		*dst = f.Value.String()
	}
}

// NewConfig builds the options: defaults, then the config file, then the
// environment, then flags set on fs. The config file comes from --config or
// GITAKO_CONFIG.
func NewConfig(fs *pflag.FlagSet) (*Options, error) {
	o := Defaults()
	// data file paths follow the final data dir unless set explicitly
	o.DBPath, o.CacheDBPath, o.SyncInfoPath = "", "", ""

	path, _ := os.LookupEnv("GITAKO_CONFIG")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		if err := o.LoadFile(path); err != nil {
			return nil, err
		}
	}

	o.ApplyEnv(os.LookupEnv)
	if fs != nil {
		o.ApplyFlags(fs)
	}
	o.fillPaths()

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the values other packages cannot recover from.
func (o *Options) Validate() error {
	u, err := url.Parse(o.ServerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", o.ServerURL)
	}
	if o.SchemaVersion < 1 {
		return errors.New("schema version must be at least 1")
	}
	if _, err := o.Timeout(); err != nil {
		return err
	}
	return nil
}

// Origin returns the parsed server URL.
func (o *Options) Origin() (*url.URL, error) {
	return url.Parse(o.ServerURL)
}

// Timeout returns RequestTimeout as a duration. Empty means no timeout.
func (o *Options) Timeout() (time.Duration, error) {
	if o.RequestTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(o.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid request timeout %q: %w", o.RequestTimeout, err)
	}
	return d, nil
}
