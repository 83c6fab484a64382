// Package authgateconfig loads an authgate.Config from Go values, JSON files,
// Lua scripts or the process environment.
package authgateconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/keksclan/drinkgate/authgate"
	lua "github.com/yuin/gopher-lua"
)

// Loader loads an authgate.Config from a source.
type Loader interface {
	Load(ctx context.Context) (*authgate.Config, error)
}

func finish(cfg authgate.Config) (*authgate.Config, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

type goLoader struct {
	cfg authgate.Config
}

// FromGo creates a Loader that returns the provided config directly.
func FromGo(cfg authgate.Config) Loader {
	return &goLoader{cfg: cfg}
}

func (l *goLoader) Load(_ context.Context) (*authgate.Config, error) {
	return finish(l.cfg)
}

type jsonLoader struct {
	path string
}

// FromJSONFile creates a Loader that reads config from a JSON file.
func FromJSONFile(path string) Loader {
	return &jsonLoader{path: path}
}

type jsonConfig struct {
	Domain                string   `json:"domain"`
	Audience              string   `json:"audience"`
	Issuer                string   `json:"issuer"`
	JWKSURL               string   `json:"jwks_url"`
	AllowedAlgs           []string `json:"allowed_algs"`
	KeyCacheTTLSec        int      `json:"key_cache_ttl_sec"`
	FetchTimeoutMs        int      `json:"fetch_timeout_ms"`
	MinRefreshIntervalSec int      `json:"min_refresh_interval_sec"`
	DisableRotationRetry  bool     `json:"disable_rotation_retry"`
	PermissionsClaim      string   `json:"permissions_claim"`
}

func (l *jsonLoader) Load(_ context.Context) (*authgate.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read json config: %w", err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return finish(authgate.Config{
		Domain:               jc.Domain,
		Audience:             jc.Audience,
		Issuer:               jc.Issuer,
		JWKSURL:              jc.JWKSURL,
		AllowedAlgs:          jc.AllowedAlgs,
		KeyCacheTTL:          time.Duration(jc.KeyCacheTTLSec) * time.Second,
		FetchTimeout:         time.Duration(jc.FetchTimeoutMs) * time.Millisecond,
		MinRefreshInterval:   time.Duration(jc.MinRefreshIntervalSec) * time.Second,
		DisableRotationRetry: jc.DisableRotationRetry,
		PermissionsClaim:     jc.PermissionsClaim,
	})
}

type luaLoader struct {
	path string
}

// FromLuaFile creates a Loader that reads config from a Lua file.
func FromLuaFile(path string) Loader {
	return &luaLoader{path: path}
}

func (l *luaLoader) Load(_ context.Context) (*authgate.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lua config file: %w", err)
	}
	return LoadLuaString(string(data))
}

// LoadLuaString runs a Lua config script and maps the table it returns.
// Only the base, table, string and math libraries are available.
func LoadLuaString(script string) (*authgate.Config, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("lua config execution: %w", err)
	}

	ret := L.Get(-1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua config must return a table, got %s", ret.Type().String())
	}

	cfg := authgate.Config{
		Domain:               getStringField(tbl, "domain"),
		Audience:             getStringField(tbl, "audience"),
		Issuer:               getStringField(tbl, "issuer"),
		JWKSURL:              getStringField(tbl, "jwks_url"),
		AllowedAlgs:          getStringSliceField(tbl, "allowed_algs"),
		KeyCacheTTL:          time.Duration(getNumberField(tbl, "key_cache_ttl_sec")) * time.Second,
		FetchTimeout:         time.Duration(getNumberField(tbl, "fetch_timeout_ms")) * time.Millisecond,
		MinRefreshInterval:   time.Duration(getNumberField(tbl, "min_refresh_interval_sec")) * time.Second,
		DisableRotationRetry: getBoolField(tbl, "disable_rotation_retry"),
		PermissionsClaim:     getStringField(tbl, "permissions_claim"),
	}
	return finish(cfg)
}

func getStringField(tbl *lua.LTable, key string) string {
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func getNumberField(tbl *lua.LTable, key string) float64 {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func getBoolField(tbl *lua.LTable, key string) bool {
	if b, ok := tbl.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

func getStringSliceField(tbl *lua.LTable, key string) []string {
	t, ok := tbl.RawGetString(key).(*lua.LTable)
	if !ok {
		return nil
	}
	var result []string
	t.ForEach(func(_ lua.LValue, val lua.LValue) {
		if s, ok := val.(lua.LString); ok {
			result = append(result, string(s))
		}
	})
	return result
}

type envLoader struct{}

// FromEnv creates a Loader that reads config from environment variables.
func FromEnv() Loader {
	return envLoader{}
}

type envConfig struct {
	Domain               string        `env:"AUTH0_DOMAIN"`
	Audience             string        `env:"API_AUDIENCE"`
	Issuer               string        `env:"AUTH0_ISSUER"`
	JWKSURL              string        `env:"AUTH0_JWKS_URL"`
	AllowedAlgs          string        `env:"AUTH_ALLOWED_ALGS"`
	KeyCacheTTL          time.Duration `env:"AUTH_KEY_CACHE_TTL"`
	FetchTimeout         time.Duration `env:"AUTH_FETCH_TIMEOUT"`
	MinRefreshInterval   time.Duration `env:"AUTH_MIN_REFRESH_INTERVAL"`
	DisableRotationRetry bool          `env:"AUTH_DISABLE_ROTATION_RETRY"`
	PermissionsClaim     string        `env:"AUTH_PERMISSIONS_CLAIM"`
}

func (envLoader) Load(_ context.Context) (*authgate.Config, error) {
	var ec envConfig
	if err := envdecode.Decode(&ec); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, errors.New("config validation: no AUTH0_* or AUTH_* environment variables are set")
		}
		return nil, fmt.Errorf("decode env config: %w", err)
	}
	var algs []string
	for _, a := range strings.Split(ec.AllowedAlgs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			algs = append(algs, a)
		}
	}
	return finish(authgate.Config{
		Domain:               ec.Domain,
		Audience:             ec.Audience,
		Issuer:               ec.Issuer,
		JWKSURL:              ec.JWKSURL,
		AllowedAlgs:          algs,
		KeyCacheTTL:          ec.KeyCacheTTL,
		FetchTimeout:         ec.FetchTimeout,
		MinRefreshInterval:   ec.MinRefreshInterval,
		DisableRotationRetry: ec.DisableRotationRetry,
		PermissionsClaim:     ec.PermissionsClaim,
	})
}
