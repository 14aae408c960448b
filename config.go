package saga

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Saga definitions are static configuration loaded at startup; there is no
// runtime mutation surface. The file layout mirrors the definition
// structure:
//
//	definitions:
//	  - name: order_fulfillment
//	    version: 1
//	    steps:
//	      - name: reserve_inventory
//	        forward: {topic: inventory.commands, action: reserve}
//	        compensate: {topic: inventory.commands, action: release}
//	        retry: {max_attempts: 3, initial_backoff: 500ms, attempt_timeout: 10s}

type definitionConfig struct {
	Name    string       `mapstructure:"name"`
	Version int          `mapstructure:"version"`
	Steps   []stepConfig `mapstructure:"steps"`
}

type stepConfig struct {
	Name       string             `mapstructure:"name"`
	Forward    commandSpecConfig  `mapstructure:"forward"`
	Compensate *commandSpecConfig `mapstructure:"compensate"`
	Retry      retryConfig        `mapstructure:"retry"`
}

type commandSpecConfig struct {
	Topic  string `mapstructure:"topic"`
	Action string `mapstructure:"action"`
}

type retryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// LoadDefinitions reads saga definitions from a YAML/JSON/TOML file under the
// top-level "definitions" key. Each entry is validated the same way as a
// definition built in code.
func LoadDefinitions(path string) ([]*SagaDefinition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading saga definitions from %s: %w", path, err)
	}

	var cfgs []definitionConfig
	if err := v.UnmarshalKey("definitions", &cfgs); err != nil {
		return nil, fmt.Errorf("decoding saga definitions from %s: %w", path, err)
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no saga definitions found in %s", path)
	}

	defs := make([]*SagaDefinition, 0, len(cfgs))
	for _, cfg := range cfgs {
		steps := make([]Step, 0, len(cfg.Steps))
		for _, sc := range cfg.Steps {
			step := Step{
				Name:    sc.Name,
				Forward: CommandSpec{Topic: sc.Forward.Topic, Action: sc.Forward.Action},
				Retry: RetryPolicy{
					MaxAttempts:    sc.Retry.MaxAttempts,
					InitialBackoff: sc.Retry.InitialBackoff,
					BackoffFactor:  sc.Retry.BackoffFactor,
					MaxBackoff:     sc.Retry.MaxBackoff,
					AttemptTimeout: sc.Retry.AttemptTimeout,
				},
			}
			if sc.Compensate != nil {
				step.Compensate = &CommandSpec{Topic: sc.Compensate.Topic, Action: sc.Compensate.Action}
			}
			steps = append(steps, step)
		}
		def, err := NewDefinition(cfg.Name, cfg.Version, steps)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterFromFile loads definitions from path and registers them all.
func RegisterFromFile(reg *DefinitionRegistry, path string) error {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
