package bztree

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"
)

// Options configures Open, mirroring the teacher's MariOpts shape: a
// required filepath plus tunables that only matter at mount time.
type Options struct {
	Filepath string

	// ConfigPath, if set, is loaded with hujson (JSON-with-comments) and
	// overrides the SMO thresholds below. The teacher has no config-file
	// story at all; this is the ambient-stack addition described in
	// SPEC_FULL.md §A.
	ConfigPath string

	Config Config
}

// Config holds the SMO thresholds (§4.5) and pool sizing knobs, all
// runtime-tunable (unlike NodeSize, which §6 fixes at compile time).
type Config struct {
	MaxDeletedSpace uint32 `json:"max_deleted_space"`
	MinFreeSpace    uint32 `json:"min_free_space"`
	// MaxFreeSpace is loaded and overridable like the other thresholds,
	// but no SMO decision reads it; runSMOFor's merge check uses
	// MinFreeSpace.
	MaxFreeSpace uint32 `json:"max_free_space"`

	PoolSize    int64 `json:"pool_size"`
	PoolThreads int   `json:"pool_threads"`

	// MaxRetries bounds the internal retry loop every public operation
	// runs (§9 "Open questions" -- retry cap supplement, ErrTooManyRetries).
	MaxRetries int `json:"max_retries"`

	// VacuumRetiredBytes is the accumulated-garbage threshold, in bytes,
	// that triggers an online vacuum pass (SPEC_FULL.md §C).
	VacuumRetiredBytes uint64 `json:"vacuum_retired_bytes"`
}

// DefaultConfig mirrors the thresholds spec §6 lists as compile-time
// constants in the source, but kept runtime-tunable here.
func DefaultConfig() Config {
	return Config{
		MaxDeletedSpace:    DefaultMaxDeletedSpace,
		MinFreeSpace:       DefaultMinFreeSpace,
		MaxFreeSpace:       DefaultMaxFreeSpace,
		PoolSize:           1024,
		PoolThreads:        4,
		MaxRetries:         10000,
		VacuumRetiredBytes: 1 << 20,
	}
}

// LoadConfig reads a hujson (JSON with comments and trailing commas)
// config file and overlays it onto DefaultConfig. A missing file is not an
// error -- callers get defaults, matching the teacher's "opts are all
// optional" posture.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return cfg, nil
		}

		return cfg, readErr
	}

	standard, stdErr := hujson.Standardize(raw)
	if stdErr != nil {
		return cfg, stdErr
	}

	if unmarshalErr := json.Unmarshal(standard, &cfg); unmarshalErr != nil {
		return cfg, unmarshalErr
	}

	return cfg, nil
}
