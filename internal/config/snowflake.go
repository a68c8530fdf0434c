package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Snowflake is a Discord ID. YAML accepts it as a number or a string.
type Snowflake string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Snowflake) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: snowflake must be a scalar", n.Line)
	}
	if n.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = Snowflake(n.Value)
	return nil
}

// IsValid reports whether s has the shape of a Discord snowflake
// (17 to 20 decimal digits).
func (s Snowflake) IsValid() bool {
	if len(s) < 17 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s Snowflake) String() string {
	return string(s)
}
