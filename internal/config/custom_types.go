package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlexBool is a boolean that also accepts "yes"/"no", "on"/"off", strings
// understood by strconv.ParseBool, and numbers (non-zero is true).
type FlexBool bool

// Bool returns the plain value.
func (fb FlexBool) Bool() bool { return bool(fb) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (fb *FlexBool) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: cannot unmarshal non-scalar into FlexBool", value.Line)
	}
	switch value.Tag {
	case "!!bool":
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		*fb = FlexBool(b)
	case "!!str":
		b, err := parseFlexString(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*fb = FlexBool(b)
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: cannot unmarshal %q into FlexBool", value.Line, value.Value)
		}
		*fb = FlexBool(f != 0)
	case "!!null":
		*fb = false
	default:
		return fmt.Errorf("line %d: cannot unmarshal %s into FlexBool", value.Line, value.Tag)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (fb FlexBool) MarshalYAML() (interface{}, error) {
	return bool(fb), nil
}

func parseFlexString(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on", "enabled":
		return true, nil
	case "no", "n", "off", "disabled", "":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("cannot unmarshal string %q into FlexBool", s)
	}
	return b, nil
}
