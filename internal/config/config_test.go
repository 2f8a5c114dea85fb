package config

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agaabrieel/snark/pkg/log"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want func(c *Config)
	}{
		{
			name: "target only",
			args: []string{"file.torrent"},
			want: func(c *Config) {},
		},
		{
			name: "bare debug",
			args: []string{"--debug", "http://example.com/x.torrent"},
			want: func(c *Config) { c.Verbosity = log.Info },
		},
		{
			name: "debug with level",
			args: []string{"--debug", "6", "file.torrent"},
			want: func(c *Config) { c.Verbosity = log.All },
		},
		{
			name: "debug with inline level",
			args: []string{"--debug=1", "file.torrent"},
			want: func(c *Config) { c.Verbosity = log.Error },
		},
		{
			name: "all options",
			args: []string{"--no-commands", "--port", "7000", "--share", "10.0.0.1", "dir"},
			want: func(c *Config) {
				c.NoCommands = true
				c.Port = 7000
				c.Share = "10.0.0.1"
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.args, io.Discard)
			require.NoError(t, err)

			want := Default()
			want.Target = tc.args[len(tc.args)-1]
			tc.want(&want)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"no target":        {},
		"two targets":      {"a", "b"},
		"option after":     {"a", "--port", "1"},
		"port not number":  {"--port", "abc", "a"},
		"port too large":   {"--port", "70000", "a"},
		"missing share":    {"--share"},
		"unknown option":   {"--verbose", "a"},
		"debug level text": {"--debug=loud", "a"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args, io.Discard)
			assert.ErrorIs(t, err, ErrUsage)
		})
	}
}

func TestSharing(t *testing.T) {
	t.Parallel()

	c := Default()
	assert.False(t, c.Sharing())
	c.Share = "host"
	assert.True(t, c.Sharing())
}

func TestJoinDebugLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"--debug=3", "x"}, joinDebugLevel([]string{"--debug", "3", "x"}))
	assert.Equal(t, []string{"--debug", "x"}, joinDebugLevel([]string{"--debug", "x"}))
	assert.Equal(t, []string{"--", "--debug", "3"}, joinDebugLevel([]string{"--", "--debug", "3"}))
}
