// Package config loads the YAML region/cluster configuration shared by
// every crucible subcommand, and binds a few of those fields (IOP limit,
// bandwidth limit, lossy) to CLI flags; a flag set to a non-zero value
// overrides its file counterpart.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/oxidecomputer/crucible/internal/upstairs"
)

// File is the on-disk shape of a region/cluster config file.
type File struct {
	Region struct {
		ExtentCount uint64 `yaml:"extent_count"`
		ExtentSize  uint64 `yaml:"extent_size"`
		BlockSize   uint64 `yaml:"block_size"`
	} `yaml:"region"`

	Targets []string `yaml:"targets"`

	Lossy bool `yaml:"lossy"`

	IOPLimit    uint64 `yaml:"iop_limit"`
	IOPUnitSize uint64 `yaml:"iop_unit_size"`
	BWLimit     uint64 `yaml:"bw_limit"`

	FlushTimeoutSeconds int `yaml:"flush_timeout_seconds"`
	RetireQueueLen      int `yaml:"retire_queue_len"`

	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	PingTimeoutSeconds  int `yaml:"ping_timeout_seconds"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// ToUpstairsConfig converts the file form into upstairs.Config. It does
// not itself set encryption — callers that want it load the key
// separately and assign it after this returns.
func (f *File) ToUpstairsConfig() (upstairs.Config, error) {
	if len(f.Targets) != upstairs.NumClients {
		return upstairs.Config{}, fmt.Errorf("config: expected %d targets, got %d", upstairs.NumClients, len(f.Targets))
	}
	cfg := upstairs.Config{
		Region: upstairs.RegionDef{
			ExtentCount: f.Region.ExtentCount,
			ExtentSize:  f.Region.ExtentSize,
			BlockSize:   f.Region.BlockSize,
		},
		Lossy:          f.Lossy,
		IOPLimit:       f.IOPLimit,
		IOPUnitSize:    f.IOPUnitSize,
		BWLimit:        f.BWLimit,
		RetireQueueLen: f.RetireQueueLen,
	}
	copy(cfg.Targets[:], f.Targets)
	if f.FlushTimeoutSeconds > 0 {
		cfg.FlushTimeout = time.Duration(f.FlushTimeoutSeconds) * time.Second
	}
	if f.PingIntervalSeconds > 0 {
		cfg.PingInterval = time.Duration(f.PingIntervalSeconds) * time.Second
	}
	if f.PingTimeoutSeconds > 0 {
		cfg.PingTimeout = time.Duration(f.PingTimeoutSeconds) * time.Second
	}
	return cfg, nil
}

// Flags are the CLI-overridable fields, bound onto a FlagSet by
// BindFlags. A flag left at its zero value does not override the file.
type Flags struct {
	ConfigPath string
	IOPLimit   uint64
	BWLimit    uint64
	Lossy      bool
}

// BindFlags registers the shared flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to region/cluster config YAML")
	fs.Uint64Var(&f.IOPLimit, "iop-limit", 0, "override the configured IOPs limit")
	fs.Uint64Var(&f.BWLimit, "bw-limit", 0, "override the configured bandwidth limit (bytes/sec)")
	fs.BoolVar(&f.Lossy, "lossy", false, "set the lossy config flag (no wire fault injection reads it)")
	return f
}

// Apply overlays non-zero flag values onto cfg.
func (f *Flags) Apply(cfg upstairs.Config) upstairs.Config {
	if f.IOPLimit > 0 {
		cfg.IOPLimit = f.IOPLimit
	}
	if f.BWLimit > 0 {
		cfg.BWLimit = f.BWLimit
	}
	if f.Lossy {
		cfg.Lossy = true
	}
	return cfg
}
