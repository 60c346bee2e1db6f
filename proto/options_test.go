package proto

import (
	"testing"

	"github.com/okeuday/erlang_go/v2/erlang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOpts(t *testing.T, cmd interface{}, opts ...interface{}) (*SpawnOpts, string) {
	t.Helper()
	return parseSpawnOpts(cmd, erlang.OtpErlangList{Value: opts})
}

func TestSpawnOptsDefaults(t *testing.T) {
	opts, errstr := parseOpts(t, "true")
	require.Empty(t, errstr)
	assert.Equal(t, "true", opts.Cmd)
	assert.Equal(t, RedirectNull, opts.Streams[0].Kind)
	assert.Equal(t, RedirectNone, opts.Streams[1].Kind)
	assert.Equal(t, RedirectNone, opts.Streams[2].Kind)
	assert.Equal(t, DefaultKillTimeout, opts.KillTimeout)
	assert.False(t, opts.HasEnv)
	assert.False(t, opts.HasNice)
}

func TestSpawnOptsValidation(t *testing.T) {
	cases := []struct {
		name   string
		opts   []interface{}
		errstr string
	}{
		{
			name: "duplicate option",
			opts: []interface{}{
				tuple(atom("cd"), "/tmp"),
				tuple(atom("cd"), "/var"),
			},
			errstr: "duplicate cd option specified",
		},
		{
			name:   "self-reference stdout",
			opts:   []interface{}{tuple(atom("stdout"), atom("stdout"))},
			errstr: "self-reference of stdout",
		},
		{
			name:   "self-reference stderr",
			opts:   []interface{}{tuple(atom("stderr"), atom("stderr"))},
			errstr: "self-reference of stderr",
		},
		{
			name: "circular stdout and stderr",
			opts: []interface{}{
				tuple(atom("stdout"), atom("stderr")),
				tuple(atom("stderr"), atom("stdout")),
			},
			errstr: "circular reference of stdout and stderr",
		},
		{
			name:   "nice above range",
			opts:   []interface{}{tuple(atom("nice"), 21)},
			errstr: "nice option must be an integer between -20 and 20",
		},
		{
			name:   "nice below range",
			opts:   []interface{}{tuple(atom("nice"), -21)},
			errstr: "nice option must be an integer between -20 and 20",
		},
		{
			name:   "bad kill_timeout",
			opts:   []interface{}{tuple(atom("kill_timeout"), atom("soon"))},
			errstr: "invalid value of kill_timeout",
		},
		{
			name:   "unknown option",
			opts:   []interface{}{tuple(atom("frobnicate"), 1)},
			errstr: "bad option: frobnicate",
		},
		{
			name:   "env not a list",
			opts:   []interface{}{tuple(atom("env"), 5)},
			errstr: "env list expected",
		},
		{
			name:   "env entry without equals",
			opts:   []interface{}{tuple(atom("env"), erlang.OtpErlangList{Value: []interface{}{"NOEQUALS"}})},
			errstr: "invalid env argument #0",
		},
		{
			name:   "stdin cross-redirect",
			opts:   []interface{}{tuple(atom("stdin"), atom("stdout"))},
			errstr: "invalid stdin redirection option",
		},
		{
			name:   "stream device of wrong shape",
			opts:   []interface{}{tuple(atom("stdout"), tuple(atom("truncate"), "/tmp/x"))},
			errstr: "atom, string or {append, Name} tuple required for option stdout",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, errstr := parseOpts(t, "true", c.opts...)
			assert.Equal(t, c.errstr, errstr)
		})
	}
}

func TestSpawnOptsEnvForms(t *testing.T) {
	// Both entry forms must land in the same place, so spawned children
	// see identical environments either way.
	byString, errstr := parseOpts(t, "true",
		tuple(atom("env"), erlang.OtpErlangList{Value: []interface{}{"FOO=x", "BAR=y"}}))
	require.Empty(t, errstr)
	byTuple, errstr := parseOpts(t, "true",
		tuple(atom("env"), erlang.OtpErlangList{Value: []interface{}{
			tuple("FOO", "x"),
			tuple("BAR", "y"),
		}}))
	require.Empty(t, errstr)

	assert.Equal(t, map[string]string{"FOO": "x", "BAR": "y"}, byString.Env)
	assert.Equal(t, byString.Env, byTuple.Env)
}

func TestSpawnOptsStreams(t *testing.T) {
	opts, errstr := parseOpts(t, "true",
		atom("stdin"),
		tuple(atom("stdout"), tuple(atom("append"), "/tmp/out.log")),
		tuple(atom("stderr"), atom("stdout")),
	)
	require.Empty(t, errstr)
	assert.Equal(t, RedirectPipe, opts.Streams[0].Kind)
	assert.Equal(t, StreamOpt{Kind: RedirectFile, File: "/tmp/out.log", Append: true}, opts.Streams[1])
	assert.Equal(t, RedirectStdout, opts.Streams[2].Kind)

	opts, errstr = parseOpts(t, "true",
		tuple(atom("stdin"), "/tmp/in"),
		tuple(atom("stdout"), atom("null")),
		tuple(atom("stderr"), atom("close")),
	)
	require.Empty(t, errstr)
	assert.Equal(t, StreamOpt{Kind: RedirectFile, File: "/tmp/in"}, opts.Streams[0])
	assert.Equal(t, RedirectNull, opts.Streams[1].Kind)
	assert.Equal(t, RedirectClose, opts.Streams[2].Kind)
}

func TestSpawnOptsCredentials(t *testing.T) {
	opts, errstr := parseOpts(t, "true",
		tuple(atom("user"), "nobody"),
		tuple(atom("group"), 1000),
		tuple(atom("nice"), 10),
	)
	require.Empty(t, errstr)
	assert.Equal(t, "nobody", opts.User)
	assert.True(t, opts.HasGroup)
	assert.Equal(t, 1000, opts.GroupID)
	assert.Empty(t, opts.Group)
	assert.True(t, opts.HasNice)
	assert.Equal(t, 10, opts.Nice)

	opts, errstr = parseOpts(t, "true", tuple(atom("group"), "wheel"))
	require.Empty(t, errstr)
	assert.True(t, opts.HasGroup)
	assert.Equal(t, "wheel", opts.Group)
}
