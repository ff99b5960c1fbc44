package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/piigate/internal/ratelimit"
)

// classesFile is the tenant-class YAML document:
//
//	default: {capacity: 60, refill_rate: 1}
//	classes:
//	  enterprise: {capacity: 600, refill_rate: 10}
//	tenants:
//	  org_big: enterprise
type classesFile struct {
	Default *ratelimit.Policy           `yaml:"default"`
	Classes map[string]ratelimit.Policy `yaml:"classes"`
	Tenants map[string]string           `yaml:"tenants"`
}

// LoadClasses reads a tenant-class file. def is used when the file has no
// default section.
func LoadClasses(path string, def ratelimit.Policy) (*ratelimit.Policies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rate limit classes: %w", err)
	}
	return ParseClasses(raw, def)
}

// ParseClasses decodes a tenant-class document. Unknown keys are rejected;
// an empty document yields def alone.
func ParseClasses(raw []byte, def ratelimit.Policy) (*ratelimit.Policies, error) {
	var f classesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("rate limit classes: %w", err)
	}

	ps := &ratelimit.Policies{Default: def, Classes: f.Classes, Tenants: f.Tenants}
	if f.Default != nil {
		ps.Default = *f.Default
	}
	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit classes: %w", err)
	}
	return ps, nil
}
