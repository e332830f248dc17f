package command

import "time"

const DefaultShell = "/bin/bash"

// Command is a command template declared in configuration. It is immutable once loaded.
type Command struct {
	ID          string     `yaml:"id" json:"id"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Icon        string     `yaml:"icon,omitempty" json:"icon,omitempty"`
	Shell       string     `yaml:"shell,omitempty" json:"shell"`
	Command     string     `yaml:"command" json:"command"`
	HelpCommand string     `yaml:"help_command,omitempty" json:"helpCommand,omitempty"`
	Args        []Argument `yaml:"args,omitempty" json:"args,omitempty"`
	// TimeoutMS is the execution deadline in milliseconds, 0 means no deadline.
	TimeoutMS int      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Confirm   bool     `yaml:"confirm,omitempty" json:"confirm,omitempty"`
	Category  string   `yaml:"category,omitempty" json:"category,omitempty"`
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Hidden    bool     `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

func (c Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c Command) Interpreter() string {
	if c.Shell == "" {
		return DefaultShell
	}
	return c.Shell
}

type ArgumentType string

const (
	ArgText     ArgumentType = "text"
	ArgSelect   ArgumentType = "select"
	ArgNumber   ArgumentType = "number"
	ArgBoolean  ArgumentType = "boolean"
	ArgPassword ArgumentType = "password"
	ArgDatetime ArgumentType = "datetime"
	ArgTextarea ArgumentType = "textarea"
)

func (t ArgumentType) valid() bool {
	switch t {
	case ArgText, ArgSelect, ArgNumber, ArgBoolean, ArgPassword, ArgDatetime, ArgTextarea:
		return true
	}
	return false
}

// Argument is the declared schema of one template argument.
type Argument struct {
	Name        string       `yaml:"name" json:"name"`
	Type        ArgumentType `yaml:"type" json:"type"`
	Label       string       `yaml:"label,omitempty" json:"label,omitempty"`
	Placeholder string       `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Required    bool         `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any          `yaml:"default,omitempty" json:"default,omitempty"`
	Options     []Option     `yaml:"options,omitempty" json:"options,omitempty"`
	Pattern     string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Min         *float64     `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64     `yaml:"max,omitempty" json:"max,omitempty"`
}

func (a Argument) displayName() string {
	if a.Label != "" {
		return a.Label
	}
	return a.Name
}

type Option struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}
