package manifest

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Command is an argv. In the manifest it is either a list of strings or a
// single string split with shell quoting rules.
type Command []string

func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*c = nil
			return nil
		}
		argv, err := shlex.Split(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: cannot split command %q: %w", value.Line, value.Value, err)
		}
		*c = argv
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := value.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", value.Line)
	}
}

func (c Command) Empty() bool {
	return len(c) == 0 || strings.TrimSpace(c[0]) == ""
}

func (c Command) Executable() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

func (c Command) Args() []string {
	if len(c) < 2 {
		return nil
	}
	return c[1:]
}

// String renders the argv, quoting arguments that contain whitespace or quotes
func (c Command) String() string {
	parts := make([]string, len(c))
	for i, arg := range c {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\") {
			parts[i] = fmt.Sprintf("%q", arg)
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}
