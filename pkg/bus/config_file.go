package bus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/signalbus/internal/buserr"
)

// fileConfig mirrors Config's fields for YAML decoding, grounded on the
// teacher's config-from-YAML pattern (pkg/envdetect/detector.go). Kept
// separate from Config itself so Config's exported fields stay free of
// yaml struct tags that callers constructing it in code would never use.
type fileConfig struct {
	PublishMode   string `yaml:"publish_mode"`
	WorkerThreads int    `yaml:"worker_threads"`
	QueueCapacity int    `yaml:"queue_capacity"`
	HandlerPrefix string `yaml:"handler_prefix"`
	Name          string `yaml:"name"`
}

// LoadConfig reads a YAML-encoded Config from path, defaulting any
// field left unset to DefaultConfig's value.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, buserr.Wrap(err, buserr.ErrCodeConfiguration, "read config file")
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, buserr.Wrap(err, buserr.ErrCodeConfiguration, "parse config file").WithContext("path", path)
	}

	cfg := DefaultConfig()
	if fc.WorkerThreads > 0 {
		cfg.WorkerThreads = fc.WorkerThreads
	}
	if fc.QueueCapacity > 0 {
		cfg.QueueCapacity = fc.QueueCapacity
	}
	if fc.HandlerPrefix != "" {
		cfg.HandlerPrefix = fc.HandlerPrefix
	}
	if fc.Name != "" {
		cfg.Name = fc.Name
	}
	if fc.PublishMode != "" {
		mode, err := parsePublishMode(fc.PublishMode)
		if err != nil {
			return Config{}, err
		}
		cfg.PublishMode = mode
	}

	return cfg, nil
}

func parsePublishMode(s string) (PublishMode, error) {
	switch s {
	case "exact":
		return ModeExact, nil
	case "exact_with_super_types":
		return ModeExactWithSuperTypes, nil
	case "exact_with_super_types_and_var_args":
		return ModeExactWithSuperTypesAndVarArgs, nil
	default:
		return 0, buserr.New(buserr.ErrCodeConfiguration, fmt.Sprintf("unknown publish_mode %q", s))
	}
}
