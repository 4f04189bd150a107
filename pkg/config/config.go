// Copyright 2024 driftflow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// Log storage backend types.
const (
	StorageMem      = "mem"
	StorageLocal    = "local"
	StorageExternal = "external"
)

// Config is the immutable per-subtask configuration. A Config is built once
// by the hosting worker and handed to the subtask; nothing in the runtime
// reads process-global state.
type Config struct {
	// Name identifies this subtask instance. It is used as the replay log
	// name, so restarting an instance under the same name resumes its log.
	Name string `toml:"name" json:"name"`

	// EnableLogging turns deterministic-replay logging on.
	EnableLogging bool `toml:"enable-logging" json:"enable-logging"`

	// StorageType picks the log storage backend, one of mem, local, external.
	StorageType string `toml:"storage-type" json:"storage-type"`

	// StorageDir is the directory of the local backend.
	StorageDir string `toml:"storage-dir" json:"storage-dir"`

	// StorageURI locates the external backend, e.g. s3://bucket/prefix.
	StorageURI string `toml:"storage-uri" json:"storage-uri"`

	// ClearOldLog truncates an existing log before the subtask starts.
	ClearOldLog bool `toml:"clear-old-log" json:"clear-old-log"`

	// PrintLevel sets diagnostic verbosity, larger is chattier.
	PrintLevel int `toml:"print-level" json:"print-level"`

	// ControlDelay is the period of the no-op ping mail used to defeat
	// starvation of the mailbox by a busy default action. Zero disables it.
	ControlDelay time.Duration `toml:"control-delay" json:"control-delay"`

	// EnableOutputCache retains uncommitted output bytes in the log writer
	// so they can be re-emitted verbatim on replay.
	EnableOutputCache bool `toml:"enable-output-cache" json:"enable-output-cache"`

	// set tracks which fields the structured form populated. Fields present
	// in the structured configuration win over ambient DF_* properties.
	set map[string]struct{}
}

// Default returns a Config with defaults filled in. Logging is off and the
// storage backend is the in-memory one.
func Default() *Config {
	return &Config{
		StorageType: StorageMem,
		set:         map[string]struct{}{},
	}
}

// FromToml builds a Config from toml data. Fields the document sets are
// recorded so that ApplyEnv does not override them.
func FromToml(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, errors.Annotate(err, "decode subtask config")
	}
	for _, key := range meta.Keys() {
		cfg.set[key.String()] = struct{}{}
	}
	return cfg, nil
}

// ApplyEnv fills fields from ambient DF_* properties. A field set by the
// structured configuration is left untouched; the structured form always
// wins when both are present.
func (c *Config) ApplyEnv() {
	if c.set == nil {
		c.set = map[string]struct{}{}
	}
	if _, ok := c.set["enable-logging"]; !ok {
		if v, found := envBool("DF_ENABLE_LOGGING"); found {
			c.EnableLogging = v
		}
	}
	if _, ok := c.set["storage-type"]; !ok {
		if v := os.Getenv("DF_STORAGE_TYPE"); v != "" {
			c.StorageType = v
		}
	}
	if _, ok := c.set["storage-dir"]; !ok {
		if v := os.Getenv("DF_STORAGE_DIR"); v != "" {
			c.StorageDir = v
		}
	}
	if _, ok := c.set["storage-uri"]; !ok {
		if v := os.Getenv("DF_STORAGE_URI"); v != "" {
			c.StorageURI = v
		}
	}
	if _, ok := c.set["clear-old-log"]; !ok {
		if v, found := envBool("DF_CLEAR_OLD_LOG"); found {
			c.ClearOldLog = v
		}
	}
	if _, ok := c.set["print-level"]; !ok {
		if v := os.Getenv("DF_PRINT_LEVEL"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.PrintLevel = n
			}
		}
	}
	if _, ok := c.set["control-delay"]; !ok {
		if v := os.Getenv("DF_CONTROL_DELAY"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil {
				c.ControlDelay = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if _, ok := c.set["enable-output-cache"]; !ok {
		if v, found := envBool("DF_ENABLE_OUTPUT_CACHE"); found {
			c.EnableOutputCache = v
		}
	}
}

// ValidateAndAdjust verifies the configuration and fills derived defaults.
func (c *Config) ValidateAndAdjust() error {
	if c.Name == "" {
		c.Name = "subtask-" + uuid.New().String()
	}
	switch c.StorageType {
	case StorageMem, StorageLocal:
	case StorageExternal:
		if c.StorageURI == "" {
			return errors.New("external log storage requires storage-uri")
		}
	case "":
		c.StorageType = StorageMem
	default:
		return cerror.ErrUnknownStorageType.GenWithStackByArgs(c.StorageType)
	}
	if c.ControlDelay < 0 {
		return errors.Errorf("control-delay must not be negative, got %s", c.ControlDelay)
	}
	return nil
}

func envBool(name string) (value, found bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
