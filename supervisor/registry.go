package supervisor

import (
	"os/exec"
	"sort"
	"time"
)

// Child is the run-time record of one managed OS process. Records are
// created by spawn or adoption, mutated only on the event loop, and
// removed after the exit status has been delivered and the stdio pumps
// drained.
type Child struct {
	Pid         int
	Cmd         string
	Managed     bool // adopted rather than spawned; no stdio pumps
	KillCmd     string
	KillTimeout time.Duration

	killHelper int // pid of a live kill-command helper, 0 when none
	sigterm    bool
	sigkill    bool
	deadline   time.Time // next escalation step fires after this
	exitSeen   bool      // liveness probe already queued an exit for an adopted child

	cmd    *exec.Cmd // nil for adopted children
	stdin  *stdinPump
	stdout *outPump
	stderr *outPump
}

func (c *Child) outPumps() []*outPump {
	var pumps []*outPump
	if c.stdout != nil {
		pumps = append(pumps, c.stdout)
	}
	if c.stderr != nil {
		pumps = append(pumps, c.stderr)
	}
	return pumps
}

// ChildInfo is the externally visible snapshot of a Child, served by the
// diagnostics endpoints.
type ChildInfo struct {
	Pid         int    `json:"pid"`
	Command     string `json:"command"`
	Managed     bool   `json:"managed"`
	KillCommand string `json:"kill_command,omitempty"`
	SigtermSent bool   `json:"sigterm_sent"`
	SigkillSent bool   `json:"sigkill_sent"`
	Stdin       bool   `json:"stdin"`
	Stdout      bool   `json:"stdout"`
	Stderr      bool   `json:"stderr"`
}

func (s *Supervisor) addChild(c *Child) {
	s.children[c.Pid] = c
}

// removeChild closes whatever descriptors the child still holds and drops
// it from the registry. It does not deliver an exit notification.
func (s *Supervisor) removeChild(c *Child) {
	if c.stdin != nil {
		c.stdin.Close()
	}
	for _, p := range c.outPumps() {
		p.forceClose()
	}
	delete(s.children, c.Pid)
}

func (s *Supervisor) pids() []int {
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (s *Supervisor) snapshot() []ChildInfo {
	infos := make([]ChildInfo, 0, len(s.children))
	for _, pid := range s.pids() {
		c := s.children[pid]
		infos = append(infos, ChildInfo{
			Pid:         c.Pid,
			Command:     c.Cmd,
			Managed:     c.Managed,
			KillCommand: c.KillCmd,
			SigtermSent: c.sigterm,
			SigkillSent: c.sigkill,
			Stdin:       c.stdin != nil,
			Stdout:      c.stdout != nil,
			Stderr:      c.stderr != nil,
		})
	}
	return infos
}
