package command

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
title: Ops
commands:
  - id: disk
    title: Disk usage
    shell: /bin/sh
    command: du -sh {{ path }}
    timeout: 5000
    args:
      - name: path
        type: text
        required: true
        default: /tmp
  - id: secret
    title: Secret
    command: echo hidden
    hidden: true
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "Ops", cfg.Title)
	require.Len(t, cfg.Commands, 2)

	disk, ok := cfg.Find("disk")
	require.True(t, ok)
	assert.Equal(t, "/bin/sh", disk.Interpreter())
	assert.Equal(t, int64(5000), disk.Timeout().Milliseconds())
	require.Len(t, disk.Args, 1)
	assert.Equal(t, "/tmp", disk.Args[0].Default)

	secret, ok := cfg.Find("secret")
	require.True(t, ok)
	assert.Equal(t, DefaultShell, secret.Interpreter())

	_, ok = cfg.Find("nope")
	assert.False(t, ok)
}

func TestParseConfigInvalid(t *testing.T) {
	cases := []struct {
		name   string
		config string
		expErr string
	}{
		{
			name:   "missing id",
			config: "commands:\n  - command: echo\n",
			expErr: "has no id",
		},
		{
			name:   "duplicate id",
			config: "commands:\n  - id: a\n    command: echo\n  - id: a\n    command: echo\n",
			expErr: "duplicate command id",
		},
		{
			name:   "empty command",
			config: "commands:\n  - id: a\n",
			expErr: "empty command string",
		},
		{
			name:   "bad arg type",
			config: "commands:\n  - id: a\n    command: echo\n    args:\n      - name: x\n        type: color\n",
			expErr: "unknown type",
		},
		{
			name:   "bad yaml",
			config: "commands: [",
			expErr: "parsing config",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(c.config))
			require.ErrorContains(t, err, c.expErr)
		})
	}
}

func TestLoadConfigMissingFileUsesDefault(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	_, ok := cfg.Find("echo-hello")
	assert.True(t, ok)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "config.example.yaml"))
	require.NoError(t, err)

	cmd, ok := cfg.Find("ping-host")
	require.True(t, ok)
	args := ApplyDefaults(cmd, map[string]any{"host": "example.com"})
	assert.Empty(t, Validate(cmd, args))
	assert.Equal(t, "ping -c 3 example.com", Render(cmd.Command, args))
}

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))

	c, err := NewCatalog(path)
	require.NoError(t, err)

	cmds := c.List()
	require.Len(t, cmds, 1)
	assert.Equal(t, "disk", cmds[0].ID)

	_, ok := c.Get("secret")
	assert.True(t, ok)

	// a broken file keeps the previous config
	require.NoError(t, os.WriteFile(path, []byte("commands: ["), 0644))
	require.Error(t, c.Reload())
	_, ok = c.Get("disk")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("commands:\n  - id: up\n    command: uptime\n"), 0644))
	require.NoError(t, c.Reload())
	_, ok = c.Get("disk")
	assert.False(t, ok)
	_, ok = c.Get("up")
	assert.True(t, ok)
}
