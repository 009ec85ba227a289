// Package config handles configuration loading using viper.
package config

import (
	"fmt"

	"firestige.xyz/reasm/internal/log"
)

// Config is the top-level configuration for one analysis run.
type Config struct {
	Engine  EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Analyze AnalyzeConfig     `mapstructure:"analyze" yaml:"analyze"`
	Log     *log.LoggerConfig `mapstructure:"log" yaml:"log"`
}

// EngineConfig bounds the reassembly tables.
type EngineConfig struct {
	MaxFragments int    `mapstructure:"max_fragments" yaml:"max_fragments"` // fragments per reassembly
	MaxBytes     int    `mapstructure:"max_bytes" yaml:"max_bytes"`         // largest reassembled buffer
	AgeLimit     uint32 `mapstructure:"age_limit" yaml:"age_limit"`         // frames before abandoning a self-numbering reassembly
}

// AnalyzeConfig configures the offline capture analysis.
type AnalyzeConfig struct {
	SIPPorts   []uint16 `mapstructure:"sip_ports" yaml:"sip_ports"` // TCP ports treated as SIP streams
	SecondPass bool     `mapstructure:"second_pass" yaml:"second_pass"`
	ShowFrags  bool     `mapstructure:"show_fragments" yaml:"show_fragments"`
}

// Validate checks invariants that viper cannot express.
func (c *Config) Validate() error {
	if c.Engine.MaxFragments < 0 {
		return fmt.Errorf("config: engine.max_fragments must not be negative")
	}
	if c.Engine.MaxBytes < 0 {
		return fmt.Errorf("config: engine.max_bytes must not be negative")
	}
	return nil
}
