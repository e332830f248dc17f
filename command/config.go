package command

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const ConfigEnvVar = "SHELLUI_CONFIG"

type Config struct {
	Title    string    `yaml:"title" json:"title"`
	Commands []Command `yaml:"commands" json:"commands"`
}

// Find returns the command with the given ID.
func (c *Config) Find(id string) (Command, bool) {
	for _, cmd := range c.Commands {
		if cmd.ID == id {
			return cmd, true
		}
	}
	return Command{}, false
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i, cmd := range c.Commands {
		if cmd.ID == "" {
			return fmt.Errorf("command %d has no id", i)
		}
		if seen[cmd.ID] {
			return fmt.Errorf("duplicate command id %q", cmd.ID)
		}
		seen[cmd.ID] = true
		if cmd.Command == "" {
			return fmt.Errorf("command %q has an empty command string", cmd.ID)
		}
		if cmd.TimeoutMS < 0 {
			return fmt.Errorf("command %q has a negative timeout", cmd.ID)
		}
		for _, a := range cmd.Args {
			if a.Name == "" {
				return fmt.Errorf("command %q has an argument with no name", cmd.ID)
			}
			if a.Type != "" && !a.Type.valid() {
				return fmt.Errorf("command %q argument %q has unknown type %q", cmd.ID, a.Name, a.Type)
			}
		}
	}
	return nil
}

// LoadConfig reads a YAML config file. A missing file yields DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Title == "" {
		cfg.Title = "ShellUI"
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Title: "ShellUI",
		Commands: []Command{
			{
				ID:          "echo-hello",
				Title:       "Echo Hello",
				Description: "A simple echo command",
				Icon:        "Terminal",
				Shell:       DefaultShell,
				Command:     `echo "Hello from ShellUI!"`,
			},
			{
				ID:          "list-files",
				Title:       "List Files",
				Description: "List files in a directory",
				Icon:        "Folder",
				Shell:       DefaultShell,
				Command:     "ls -la {{ directory }}",
				Args: []Argument{{
					Name:        "directory",
					Type:        ArgText,
					Label:       "Directory",
					Placeholder: "/home/user",
					Default:     ".",
					Required:    true,
				}},
			},
		},
	}
}
