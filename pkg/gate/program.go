package gate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StateMode selects which state-service contract a program reads.
type StateMode string

const (
	// ModeSnapshot fetches {state:[{address,balance}]} and scans it.
	ModeSnapshot StateMode = "snapshot"
	// ModeBalance fetches {balance} for a single address.
	ModeBalance StateMode = "balance"
)

const (
	defaultBalancePath = "/balance/{address}"
	addressPlaceholder = "{address}"
)

// StateSource describes where account state is fetched from, relative to
// the caller-supplied server URL.
type StateSource struct {
	Mode StateMode `yaml:"mode"`
	Path string    `yaml:"path,omitempty"`
}

// Program is gate code as published to the registry and executed by the
// substrate.
type Program struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Description string      `yaml:"description,omitempty"`
	State       StateSource `yaml:"state"`
	Predicate   string      `yaml:"predicate"`
}

// ParseProgram decodes and validates gate code. Unknown fields are errors.
func ParseProgram(src []byte) (*Program, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, errors.New("empty program")
	}
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var p Program
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Program) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("program name is required")
	}
	if strings.TrimSpace(p.Predicate) == "" {
		return errors.New("program predicate is required")
	}
	switch p.State.Mode {
	case ModeSnapshot:
	case ModeBalance:
		if p.State.Path != "" && !strings.Contains(p.State.Path, addressPlaceholder) {
			return fmt.Errorf("balance path %q must contain %s", p.State.Path, addressPlaceholder)
		}
	default:
		return fmt.Errorf("unknown state mode %q", p.State.Mode)
	}
	return nil
}

func (p *Program) statePath() string {
	if p.State.Path == "" && p.State.Mode == ModeBalance {
		return defaultBalancePath
	}
	return p.State.Path
}
