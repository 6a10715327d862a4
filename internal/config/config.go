// Package config loads intrascale's TOML configuration file, grounded on
// the gprobeConfig/tomlSettings pattern from cmd/gprobe/config.go: Go
// struct field names are used verbatim as TOML keys, and an unrecognized
// field is a load error rather than a silent no-op.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"

	"github.com/probechain/intrascale/internal/discovery"
	"github.com/probechain/intrascale/internal/transport"
)

// Duration wraps time.Duration with text (un)marshaling so config files can
// write durations as plain strings like "5s", the same convenience
// go-ethereum's own config types provide for their duration fields.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// tomlSettings mirrors cmd/gprobe/config.go's field-name/key mapping so a
// config file's keys read exactly like the Go struct they populate.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// DiscoveryConfig configures the discovery Service.
type DiscoveryConfig struct {
	Port              int
	BroadcastInterval Duration
}

// TransportConfig configures the Connection Manager.
type TransportConfig struct {
	Port int
}

// HTTPAPIConfig configures the introspection API (SPEC_FULL.md §6).
type HTTPAPIConfig struct {
	Enabled bool
	Addr    string
}

// Config is the top-level intrascale configuration document.
type Config struct {
	Discovery DiscoveryConfig
	Transport TransportConfig
	HTTPAPI   HTTPAPIConfig
}

// Defaults holds the out-of-the-box configuration, analogous to
// probeconfig.Defaults.
var Defaults = Config{
	Discovery: DiscoveryConfig{
		Port:              discovery.DefaultPort,
		BroadcastInterval: Duration{discovery.DefaultBroadcastInterval},
	},
	Transport: TransportConfig{
		Port: transport.DefaultPort,
	},
	HTTPAPI: HTTPAPIConfig{
		Enabled: true,
		Addr:    "127.0.0.1:8745",
	},
}

// Load reads and decodes a TOML configuration file on top of Defaults.
func Load(file string) (Config, error) {
	cfg := Defaults
	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return cfg, err
}
