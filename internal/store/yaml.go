package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SLA durations and decimal thresholds are written human-readably in the
// tenant configuration documents ("48h", "10000.00"), so these types carry
// custom YAML decoding.

func (p *SlaPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RemindAfter     string     `yaml:"remind_after"`
		EscalateAfter   string     `yaml:"escalate_after"`
		EscalationChain [][]string `yaml:"escalation_chain"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.RemindAfter != "" {
		d, err := time.ParseDuration(raw.RemindAfter)
		if err != nil {
			return fmt.Errorf("sla remind_after: %w", err)
		}

		p.RemindAfter = d
	}

	if raw.EscalateAfter != "" {
		d, err := time.ParseDuration(raw.EscalateAfter)
		if err != nil {
			return fmt.Errorf("sla escalate_after: %w", err)
		}

		p.EscalateAfter = d
	}

	p.EscalationChain = raw.EscalationChain

	return nil
}

// Scope levels are written by name in configuration documents.
func (sc *Scope) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Level  string `yaml:"level"`
		Target string `yaml:"target"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	level, ok := ParseScopeLevel(raw.Level)
	if !ok {
		return fmt.Errorf("unknown scope level %q", raw.Level)
	}

	sc.Level = level
	sc.Target = raw.Target

	return nil
}

func (r *ThresholdRule) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Attr string  `yaml:"attr"`
		Min  *string `yaml:"min"`
		Max  *string `yaml:"max"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	r.Attr = raw.Attr

	if raw.Min != nil {
		d, err := decimal.NewFromString(*raw.Min)
		if err != nil {
			return fmt.Errorf("threshold min: %w", err)
		}

		r.Min = &d
	}

	if raw.Max != nil {
		d, err := decimal.NewFromString(*raw.Max)
		if err != nil {
			return fmt.Errorf("threshold max: %w", err)
		}

		r.Max = &d
	}

	return nil
}
