package proto

import (
	"fmt"
	"strings"
)

// DefaultKillTimeout is the grace interval, in seconds, between the first
// stop attempt on a child and SIGKILL when no kill_timeout option was given.
const DefaultKillTimeout = 5

// Redirect tells the spawner where a child standard stream goes.
type Redirect int

const (
	RedirectNone   Redirect = iota // inherit the supervisor's descriptor
	RedirectNull                   // /dev/null
	RedirectClose                  // leave the descriptor closed
	RedirectPipe                   // pipe back to the supervisor
	RedirectStdout                 // cross-redirect onto stdout
	RedirectStderr                 // cross-redirect onto stderr
	RedirectFile                   // named file
)

func (r Redirect) String() string {
	switch r {
	case RedirectNone:
		return "none"
	case RedirectNull:
		return "null"
	case RedirectClose:
		return "close"
	case RedirectPipe:
		return "pipe"
	case RedirectStdout:
		return "stdout"
	case RedirectStderr:
		return "stderr"
	case RedirectFile:
		return "file"
	}
	return fmt.Sprintf("redirect:%d", int(r))
}

// StreamOpt describes one of the child's standard streams.
type StreamOpt struct {
	Kind   Redirect
	File   string
	Append bool
}

// SpawnOpts carries the validated options of a run/shell/manage command.
// Name resolution (user and group lookups) is left to the supervisor,
// which also enforces the privilege policy.
type SpawnOpts struct {
	Cmd string
	Dir string

	Env    map[string]string
	HasEnv bool

	KillCmd     string
	KillTimeout int // seconds

	User string

	Group    string // group name, when non-numeric
	GroupID  int
	HasGroup bool

	Nice    int
	HasNice bool

	// Streams is indexed by the child descriptor number: 0 stdin,
	// 1 stdout, 2 stderr.
	Streams [3]StreamOpt
}

var optNames = []string{"stdin", "stdout", "stderr", "cd", "env", "kill", "kill_timeout", "nice", "user", "group"}

// parseSpawnOpts decodes {Cmd, Options} from raw terms. cmdTerm is nil for
// manage commands, which carry no command string. The returned error string
// is empty on success; it is phrased for direct delivery to the host.
func parseSpawnOpts(cmdTerm interface{}, optsTerm interface{}) (*SpawnOpts, string) {
	opts := &SpawnOpts{KillTimeout: DefaultKillTimeout}
	opts.Streams[0] = StreamOpt{Kind: RedirectNull}
	opts.Streams[1] = StreamOpt{Kind: RedirectNone}
	opts.Streams[2] = StreamOpt{Kind: RedirectNone}

	if cmdTerm != nil {
		cmd, ok := termString(cmdTerm)
		if !ok || cmd == "" {
			return nil, "badarg: cmd string expected or string size too large"
		}
		opts.Cmd = cmd
	}

	list, ok := termList(optsTerm)
	if !ok {
		return nil, "option list expected"
	}

	seen := map[string]bool{}
	for _, el := range list {
		var name string
		var val interface{}
		hasVal := false

		if a, ok := termAtom(el); ok {
			name = a
		} else if t, ok := termTuple(el); ok && len(t) == 2 {
			a, ok := termAtom(t[0])
			if !ok {
				return nil, "badarg: cmd option must be {Cmd, Opt} or atom"
			}
			name = a
			val = t[1]
			hasVal = true
		} else {
			return nil, "badarg: cmd option must be {Cmd, Opt} or atom"
		}

		if !knownOpt(name) {
			return nil, fmt.Sprintf("bad option: %s", name)
		}
		if seen[name] {
			return nil, fmt.Sprintf("duplicate %s option specified", name)
		}
		seen[name] = true

		var errstr string
		switch name {
		case "cd":
			opts.Dir, errstr = stringOpt(name, val)
		case "kill":
			opts.KillCmd, errstr = stringOpt(name, val)
		case "user":
			opts.User, errstr = stringOpt(name, val)
		case "group":
			if s, ok := termString(val); ok {
				opts.Group = s
				opts.HasGroup = true
			} else if n, ok := termInt(val); ok {
				opts.GroupID = int(n)
				opts.HasGroup = true
			} else {
				errstr = fmt.Sprintf("%s bad group value type (expected int or string)", name)
			}
		case "kill_timeout":
			n, ok := termInt(val)
			if !ok {
				errstr = "invalid value of kill_timeout"
			} else {
				opts.KillTimeout = int(n)
			}
		case "nice":
			n, ok := termInt(val)
			if !ok || n < -20 || n > 20 {
				errstr = "nice option must be an integer between -20 and 20"
			} else {
				opts.Nice = int(n)
				opts.HasNice = true
			}
		case "env":
			errstr = parseEnvOpt(opts, val)
		case "stdin", "stdout", "stderr":
			errstr = parseStreamOpt(opts, name, val, hasVal)
		}
		if errstr != "" {
			return nil, errstr
		}
	}

	// A stream must not point at itself, and stdout/stderr must not point
	// at each other simultaneously.
	if opts.Streams[1].Kind == RedirectStdout {
		return nil, "self-reference of stdout"
	}
	if opts.Streams[2].Kind == RedirectStderr {
		return nil, "self-reference of stderr"
	}
	if opts.Streams[1].Kind == RedirectStderr && opts.Streams[2].Kind == RedirectStdout {
		return nil, "circular reference of stdout and stderr"
	}

	return opts, ""
}

func knownOpt(name string) bool {
	for _, n := range optNames {
		if n == name {
			return true
		}
	}
	return false
}

func stringOpt(name string, val interface{}) (string, string) {
	s, ok := termString(val)
	if !ok {
		return "", fmt.Sprintf("%s bad option value", name)
	}
	return s, ""
}

// parseEnvOpt accepts {env, [Entry]} where Entry is "KEY=VALUE" or
// {Key, Value}. Caller-supplied keys later win over the inherited
// environment during spawn.
func parseEnvOpt(opts *SpawnOpts, val interface{}) string {
	entries, ok := termList(val)
	if !ok {
		return "env list expected"
	}
	opts.Env = make(map[string]string, len(entries))
	opts.HasEnv = true
	for i, entry := range entries {
		if t, ok := termTuple(entry); ok && len(t) == 2 {
			k, ok1 := termString(t[0])
			v, ok2 := termString(t[1])
			if !ok1 || !ok2 {
				return fmt.Sprintf("invalid env argument #%d", i)
			}
			opts.Env[k] = v
			continue
		}
		s, ok := termString(entry)
		if !ok {
			return fmt.Sprintf("invalid env argument #%d", i)
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return fmt.Sprintf("invalid env argument #%d", i)
		}
		opts.Env[s[:eq]] = s[eq+1:]
	}
	return ""
}

func parseStreamOpt(opts *SpawnOpts, name string, val interface{}, hasVal bool) string {
	idx := map[string]int{"stdin": 0, "stdout": 1, "stderr": 2}[name]

	if !hasVal {
		// Bare atom: pipe the stream back to the supervisor.
		opts.Streams[idx] = StreamOpt{Kind: RedirectPipe}
		return ""
	}

	var dev string
	var appendFile bool
	if a, ok := termAtom(val); ok {
		dev = a
	} else if s, ok := termString(val); ok {
		dev = s
	} else if t, ok := termTuple(val); ok && len(t) == 2 {
		op, ok1 := termAtom(t[0])
		file, ok2 := termString(t[1])
		if !ok1 || !ok2 || op != "append" {
			return fmt.Sprintf("atom, string or {append, Name} tuple required for option %s", name)
		}
		dev = file
		appendFile = true
	} else {
		return fmt.Sprintf("atom, string or {append, Name} tuple required for option %s", name)
	}

	switch {
	case dev == "null":
		opts.Streams[idx] = StreamOpt{Kind: RedirectNull}
	case dev == "close":
		opts.Streams[idx] = StreamOpt{Kind: RedirectClose}
	case dev == "stderr":
		opts.Streams[idx] = StreamOpt{Kind: RedirectStderr}
	case dev == "stdout":
		opts.Streams[idx] = StreamOpt{Kind: RedirectStdout}
	case dev != "":
		opts.Streams[idx] = StreamOpt{Kind: RedirectFile, File: dev, Append: appendFile}
	}

	if name == "stdin" {
		switch opts.Streams[0].Kind {
		case RedirectNone, RedirectPipe, RedirectClose, RedirectNull, RedirectFile:
		default:
			return fmt.Sprintf("invalid %s redirection option", name)
		}
	}
	return ""
}
