package supervisor

import (
	"errors"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/absdotunfish/erlexec/proto"
)

// stopChild runs one step of the graceful-to-forceful escalation for a
// child. Re-entry is a no-op once SIGKILL has been sent, and a deadline
// check while an earlier attempt is in flight. At most one reply reaches
// the host per stop request, including on the kill-command fallback path.
func (s *Supervisor) stopChild(c *Child, transID int64, notify bool, now time.Time) {
	if c.sigkill {
		return
	}

	if c.killHelper > 0 || c.sigterm {
		if now.After(c.deadline) {
			s.erlKill(c.Pid, syscall.SIGKILL)
			if c.killHelper > 0 {
				s.erlKill(c.killHelper, syscall.SIGKILL)
			}
			c.sigkill = true
		}
		if notify {
			s.sendOK(transID)
		}
		return
	}

	if c.KillCmd != "" {
		helper, err := s.startChild(killCmdOpts(c))
		if err != nil {
			s.log.Debugf("error executing kill command %q: %s", c.KillCmd, err)
			if notify {
				s.sendErrorStr(transID, "bad kill command - using SIGTERM")
			}
			// The error reply above is the one reply for this stop
			// request; the SIGTERM fallback below must stay silent.
			notify = false
		} else {
			c.killHelper = helper.Pid
			s.helpers[helper.Pid] = c.Pid
			c.deadline = now.Add(c.KillTimeout)
			c.sigterm = true
			if notify {
				s.sendOK(transID)
			}
			return
		}
	}

	if err := s.killChild(c.Pid, int(syscall.SIGTERM), transID, notify); err == nil {
		s.log.Debugf("sent SIGTERM to pid %d (timeout=%s)", c.Pid, c.KillTimeout)
		c.deadline = now.Add(c.KillTimeout)
	} else if err = s.killChild(c.Pid, int(syscall.SIGKILL), 0, false); err == nil {
		s.log.Debugf("sent SIGKILL to pid %d", c.Pid)
		c.deadline = now
		c.sigkill = true
	} else {
		// Both signals refused: give up and leave a zombie. No exit
		// event is ever emitted for it.
		c.sigkill = true
		s.log.Debugf("failed to kill process %d - leaving a zombie", c.Pid)
		s.removeChild(c)
	}
	c.sigterm = true
}

// killCmdOpts builds the spawn options for a kill-command helper: the
// supervisor's own std streams are inherited, and the target pid is
// exported as $CHILD_PID.
func killCmdOpts(c *Child) *proto.SpawnOpts {
	opts := &proto.SpawnOpts{
		Cmd:         c.KillCmd,
		KillTimeout: proto.DefaultKillTimeout,
		Env:         map[string]string{"CHILD_PID": strconv.Itoa(c.Pid)},
		HasEnv:      true,
	}
	opts.Streams[0] = proto.StreamOpt{Kind: proto.RedirectNull}
	opts.Streams[1] = proto.StreamOpt{Kind: proto.RedirectNone}
	opts.Streams[2] = proto.StreamOpt{Kind: proto.RedirectNone}
	return opts
}

// killChild sends an arbitrary signal and, when asked to, reports the
// outcome to the host with errno folded onto protocol atoms.
func (s *Supervisor) killChild(pid, sig int, transID int64, notify bool) error {
	err := s.erlKill(pid, syscall.Signal(sig))
	if !notify {
		return err
	}
	switch {
	case err == nil:
		s.sendOK(transID)
	case errors.Is(err, unix.EINVAL):
		s.sendErrorStr(transID, "Invalid signal: %d", sig)
	case errors.Is(err, unix.ESRCH):
		s.sendErrorAtom(transID, "esrch")
	case errors.Is(err, unix.EPERM):
		s.sendErrorAtom(transID, "eperm")
	default:
		s.sendErrorAtom(transID, err.Error())
	}
	return err
}

// erlKill refuses negative pids: the supervisor leads its own process
// group, so a kill(-1, sig) or kill(-pgid, sig) would take the daemon
// down along with the children.
func (s *Supervisor) erlKill(pid int, sig syscall.Signal) error {
	if pid < 0 {
		s.log.Debugf("kill(%d, %d) attempt prohibited", pid, sig)
		return fmt.Errorf("refusing to signal process group %d", pid)
	}
	if sig > 0 {
		s.log.Debugf("calling kill(pid=%d, sig=%d)", pid, sig)
	}
	return unix.Kill(pid, sig)
}
