package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/absdotunfish/erlexec/proto"
)

// resolvedStream is the outcome of redirect planning for one child
// standard stream.
type resolvedStream struct {
	child      *os.File // descriptor the child receives; nil means inherit
	parent     *os.File // pipe end retained by the supervisor, if piped
	closeChild bool     // closed inside the child via the shell prologue
	ownsChild  bool     // child descriptor must be closed by the parent after start
}

// startChild spawns $SHELL -c cmd with the requested redirections,
// credentials, environment, working directory, and niceness. The returned
// Child has its stdio pumps and exit waiter running. The caller registers
// it (or, for kill-command helpers, indexes it) as appropriate.
func (s *Supervisor) startChild(opts *proto.SpawnOpts) (*Child, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		return nil, fmt.Errorf("SHELL environment variable is not set")
	}

	cred, err := s.resolveCredential(opts)
	if err != nil {
		return nil, err
	}

	streams, cleanup, err := s.resolveStreams(opts)
	if err != nil {
		return nil, err
	}

	script := opts.Cmd
	if prologue := closePrologue(streams); prologue != "" {
		script = prologue + script
	}

	cmd := exec.Command(shell, "-c", script)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(opts)
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	stdio := [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	pick := func(i int) *os.File {
		if streams[i].child != nil {
			return streams[i].child
		}
		if streams[i].closeChild {
			return nil // exec gives /dev/null; the prologue closes it
		}
		return stdio[i]
	}
	// Assign only non-nil files: a typed nil *os.File stored in the
	// io.Reader/Writer fields would defeat exec's nil check.
	if f := pick(0); f != nil {
		cmd.Stdin = f
	}
	if f := pick(1); f != nil {
		cmd.Stdout = f
	}
	if f := pick(2); f != nil {
		cmd.Stderr = f
	}

	s.log.Debugf("starting child %q (stdin=%s, stdout=%s, stderr=%s)",
		opts.Cmd, opts.Streams[0].Kind, opts.Streams[1].Kind, opts.Streams[2].Kind)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, err
	}
	pid := cmd.Process.Pid

	// The parent keeps only its pipe ends; the child holds dups of
	// everything else.
	for i := range streams {
		if streams[i].ownsChild {
			streams[i].child.Close()
		}
	}

	if opts.HasNice {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, opts.Nice); err != nil {
			s.log.Warnf("cannot set priority of pid %d to %d: %s", pid, opts.Nice, err)
		}
	}

	c := &Child{
		Pid:         pid,
		Cmd:         opts.Cmd,
		KillCmd:     opts.KillCmd,
		KillTimeout: time.Duration(opts.KillTimeout) * time.Second,
		cmd:         cmd,
	}
	if streams[0].parent != nil {
		c.stdin = newStdinPump(s.log, pid, streams[0].parent)
		go c.stdin.run()
	}
	if streams[1].parent != nil {
		c.stdout = newOutPump(s.log, pid, "stdout", streams[1].parent, s.outCh)
		go c.stdout.run()
	}
	if streams[2].parent != nil {
		c.stderr = newOutPump(s.log, pid, "stderr", streams[2].parent, s.outCh)
		go c.stderr.run()
	}
	go s.waitChild(c)

	return c, nil
}

// waitChild reaps the child and queues its raw status word for the loop.
func (s *Supervisor) waitChild(c *Child) {
	err := c.cmd.Wait()
	status := 0
	if ps := c.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			status = int(ws)
		}
	} else if err != nil {
		status = int(syscall.ECHILD)
	}
	s.exitCh <- exitEvent{Pid: c.Pid, Status: status}
}

func (s *Supervisor) resolveStreams(opts *proto.SpawnOpts) ([3]resolvedStream, func(), error) {
	var res [3]resolvedStream
	var opened []*os.File
	cleanup := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	names := [3]string{"stdin", "stdout", "stderr"}

	for i := 0; i < 3; i++ {
		switch st := opts.Streams[i]; st.Kind {
		case proto.RedirectNone:
			// inherit
		case proto.RedirectNull:
			res[i].child = s.devNull
		case proto.RedirectClose:
			res[i].closeChild = true
		case proto.RedirectFile:
			flags := os.O_RDWR | os.O_CREATE
			if st.Append {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err := os.OpenFile(st.File, flags, 0644)
			if err != nil {
				cleanup()
				return res, nil, fmt.Errorf("failed to redirect %s to file: %w", names[i], err)
			}
			opened = append(opened, f)
			res[i].child = f
			res[i].ownsChild = true
		case proto.RedirectPipe:
			r, w, err := os.Pipe()
			if err != nil {
				cleanup()
				return res, nil, fmt.Errorf("failed to create a pipe for %s: %w", names[i], err)
			}
			opened = append(opened, r, w)
			if i == 0 {
				res[i].child, res[i].parent = r, w
			} else {
				res[i].child, res[i].parent = w, r
			}
			res[i].ownsChild = true
		}
	}

	// Cross-stream redirects copy the other stream's final target, so
	// e.g. stderr->stdout lands on the stdout pipe when stdout is piped.
	if opts.Streams[1].Kind == proto.RedirectStderr {
		res[1].child = res[2].child
		res[1].closeChild = res[2].closeChild
		if res[1].child == nil && !res[1].closeChild {
			res[1].child = os.Stderr
		}
	}
	if opts.Streams[2].Kind == proto.RedirectStdout {
		res[2].child = res[1].child
		res[2].closeChild = res[1].closeChild
		if res[2].child == nil && !res[2].closeChild {
			res[2].child = os.Stdout
		}
	}

	return res, cleanup, nil
}

// closePrologue renders the close redirection as shell-level descriptor
// closes. StartProcess cannot hand a child an already-closed standard
// descriptor, so the shell closes it before running the user command.
func closePrologue(streams [3]resolvedStream) string {
	var b strings.Builder
	if streams[0].closeChild {
		b.WriteString("exec 0<&-; ")
	}
	if streams[1].closeChild {
		b.WriteString("exec 1>&-; ")
	}
	if streams[2].closeChild {
		b.WriteString("exec 2>&-; ")
	}
	return b.String()
}

func (s *Supervisor) resolveCredential(opts *proto.SpawnOpts) (*syscall.Credential, error) {
	uid, gid := -1, -1

	if opts.User != "" {
		u, err := user.Lookup(opts.User)
		if err != nil {
			return nil, fmt.Errorf("invalid user %s: %s", opts.User, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return nil, fmt.Errorf("invalid user %s: non-numeric uid %q", opts.User, u.Uid)
		}
		if s.superuser {
			if uid == 0 {
				return nil, fmt.Errorf("running a command as root is not allowed")
			}
			if len(s.allowedUsers) > 0 && !contains(s.allowedUsers, opts.User) {
				return nil, fmt.Errorf("user %s is not in the allowed users list", opts.User)
			}
		}
	}

	if opts.HasGroup {
		switch {
		case opts.Group == "":
			gid = opts.GroupID
		default:
			g, err := user.LookupGroup(opts.Group)
			if err != nil {
				// A numeric gid may arrive as a string.
				n, aerr := strconv.Atoi(opts.Group)
				if aerr != nil {
					return nil, fmt.Errorf("invalid group name: %s", opts.Group)
				}
				gid = n
				break
			}
			gid, err = strconv.Atoi(g.Gid)
			if err != nil {
				return nil, fmt.Errorf("invalid group %s: non-numeric gid %q", opts.Group, g.Gid)
			}
		}
	}

	if uid < 0 && gid < 0 {
		return nil, nil
	}
	cred := &syscall.Credential{
		Uid:         uint32(os.Geteuid()),
		Gid:         uint32(os.Getegid()),
		NoSetGroups: true,
	}
	if uid >= 0 {
		cred.Uid = uint32(uid)
	}
	if gid >= 0 {
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

// mergeEnv overlays caller-provided entries onto the supervisor's own
// environment; caller keys win, all other inherited keys are preserved.
// A nil return passes the environment through unchanged.
func mergeEnv(opts *proto.SpawnOpts) []string {
	if !opts.HasEnv {
		return nil
	}
	merged := make(map[string]string, len(opts.Env))
	for _, kv := range os.Environ() {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			merged[kv[:eq]] = kv[eq+1:]
		}
	}
	for k, v := range opts.Env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}
