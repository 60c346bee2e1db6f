package supervisor

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/absdotunfish/erlexec/proto"
)

// Exit codes form the daemon's contract with its launcher.
const (
	ExitClean        = 0
	ExitUsage        = 1
	ExitUnknownUser  = 3
	ExitUserRequired = 4
	ExitKeepcaps     = 5
	ExitSetuid       = 6
	ExitResidualRoot = 7
	ExitCapInit      = 8
	ExitCapApply     = 9
	ExitDevNull      = 10
	ExitBadFrame     = 12
	ExitReadError    = 91 // 90 - (-1), a failed frame read
)

// DefaultAlarm is how long the daemon may live after a terminating signal
// before it hard-exits.
const DefaultAlarm = 12 * time.Second

// shutdownGrace bounds the orderly part of the teardown: after this the
// daemon stops waiting for straggler exits and leaves the rest to the alarm.
const shutdownGrace = 6 * time.Second

// deadlinePollInterval is the loop's wakeup cadence for termination
// deadlines and adopted-child liveness probes.
const deadlinePollInterval = 100 * time.Millisecond

type exitEvent struct {
	Pid    int
	Status int
}

// Supervisor runs the command/event multiplexer and owns every child
// record. All fields below the channel block are touched only by the
// event-loop goroutine.
type Supervisor struct {
	log   *zap.SugaredLogger
	codec *proto.Codec

	alarm        time.Duration
	superuser    bool
	allowedUsers []string
	devNull      *os.File

	cmdCh    chan *proto.Command
	readErrC chan error
	exitCh   chan exitEvent
	outCh    chan outputEvent
	sigCh    chan os.Signal
	infoCh   chan chan []ChildInfo

	hub *eventHub

	children map[int]*Child
	helpers  map[int]int // kill-command helper pid -> child pid

	pipeValid  bool
	terminated bool
	exitCode   int
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Supervisor) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithAlarm overrides the post-signal lifetime budget.
func WithAlarm(d time.Duration) Option {
	return func(s *Supervisor) {
		s.alarm = d
	}
}

// WithSuperuser marks the daemon as privileged and optionally restricts
// which users children may be spawned as.
func WithSuperuser(allowedUsers ...string) Option {
	return func(s *Supervisor) {
		s.superuser = true
		s.allowedUsers = allowedUsers
	}
}

// New builds a Supervisor speaking on codec. The shared /dev/null handle
// is opened here and lives for the daemon's lifetime; pump paths never
// close it.
func New(codec *proto.Codec, opts ...Option) (*Supervisor, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		log:       logger.Named("supervisor").Sugar(),
		codec:     codec,
		alarm:     DefaultAlarm,
		cmdCh:     make(chan *proto.Command),
		readErrC:  make(chan error, 1),
		exitCh:    make(chan exitEvent, 64),
		outCh:     make(chan outputEvent, 64),
		sigCh:     make(chan os.Signal, 16),
		infoCh:    make(chan chan []ChildInfo),
		hub:       newEventHub(),
		children:  make(map[int]*Child),
		helpers:   make(map[int]int),
		pipeValid: true,
	}
	for _, o := range opts {
		o(s)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s.devNull = devNull
	return s, nil
}

// Events exposes the diagnostics event hub.
func (s *Supervisor) Events() *eventHub {
	return s.hub
}

// Children returns a snapshot of the registry, served by the event loop.
func (s *Supervisor) Children() []ChildInfo {
	ch := make(chan []ChildInfo, 1)
	select {
	case s.infoCh <- ch:
		return <-ch
	case <-time.After(time.Second):
		return nil
	}
}

// Run drives the supervisor until shutdown and returns the process exit
// code.
func (s *Supervisor) Run() int {
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGCHLD)
	defer signal.Stop(s.sigCh)

	go s.readCommands()

	ticker := time.NewTicker(deadlinePollInterval)
	defer ticker.Stop()

	for !s.terminated {
		select {
		case cmd := <-s.cmdCh:
			s.dispatch(cmd)
		case err := <-s.readErrC:
			s.handleReadError(err)
		case ev := <-s.exitCh:
			s.deliverExit(ev)
		case ev := <-s.outCh:
			s.forwardOutput(ev)
		case sig := <-s.sigCh:
			s.handleSignal(sig)
		case ch := <-s.infoCh:
			ch <- s.snapshot()
		case <-ticker.C:
			s.checkChildren(time.Now())
		}
	}

	return s.finalize()
}

func (s *Supervisor) readCommands() {
	for {
		cmd, err := s.codec.ReadCommand()
		if err != nil {
			s.readErrC <- err
			return
		}
		s.cmdCh <- cmd
	}
}

func (s *Supervisor) dispatch(cmd *proto.Command) {
	if cmd.Bad != "" {
		if cmd.BadAtom {
			s.sendErrorAtom(cmd.TransID, cmd.Bad)
		} else {
			s.sendErrorStr(cmd.TransID, "%s", cmd.Bad)
		}
		return
	}

	switch cmd.Type {
	case proto.Shutdown:
		s.log.Debugf("shutdown requested by host")
		s.terminated = true

	case proto.Manage:
		c := &Child{
			Pid:         cmd.Pid,
			Cmd:         "managed pid",
			Managed:     true,
			KillCmd:     cmd.Opts.KillCmd,
			KillTimeout: time.Duration(cmd.Opts.KillTimeout) * time.Second,
		}
		s.addChild(c)
		s.sendOKPid(cmd.TransID, cmd.Pid)

	case proto.Run, proto.Shell:
		c, err := s.startChild(cmd.Opts)
		if err != nil {
			s.sendErrorStr(cmd.TransID, "Couldn't start pid: %s", err)
			return
		}
		s.addChild(c)
		s.sendOKPid(cmd.TransID, c.Pid)

	case proto.Stop:
		s.handleStop(cmd)

	case proto.Kill:
		if s.superuser {
			if _, ok := s.children[cmd.Pid]; !ok {
				s.sendErrorStr(cmd.TransID, "Cannot kill a pid not managed by this application")
				return
			}
		}
		s.killChild(cmd.Pid, cmd.Signal, cmd.TransID, true)

	case proto.List:
		s.sendPidList(cmd.TransID, s.pids())

	case proto.Stdin:
		c, ok := s.children[cmd.Pid]
		if !ok || c.stdin == nil {
			s.log.Debugf("stdin (%d bytes) cannot be sent to pid %d", len(cmd.Data), cmd.Pid)
			return
		}
		c.stdin.Enqueue(cmd.Data)
	}
}

func (s *Supervisor) handleStop(cmd *proto.Command) {
	c, ok := s.children[cmd.Pid]
	if !ok {
		s.sendErrorStr(cmd.TransID, "pid not alive")
		return
	}
	if err := s.erlKill(cmd.Pid, 0); err != nil {
		s.sendErrorStr(cmd.TransID, "pid not alive (err: %s)", err)
		return
	}
	s.stopChild(c, cmd.TransID, true, time.Now())
}

func (s *Supervisor) handleReadError(err error) {
	s.terminated = true
	switch {
	case errors.Is(err, proto.ErrBadFrame):
		s.log.Errorf("cannot decode command: %s", err)
		s.exitCode = ExitBadFrame
	default:
		// EOF included: the host closed the pipe.
		s.log.Debugf("error reading from host pipe: %s", err)
		s.exitCode = ExitReadError
	}
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	s.log.Debugf("got signal: %s", sig)
	switch sig {
	case syscall.SIGCHLD:
		s.checkChildren(time.Now())
	case syscall.SIGPIPE:
		s.pipeValid = false
		s.markTerminated()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP:
		s.markTerminated()
	}
}

func (s *Supervisor) markTerminated() {
	s.terminated = true
	if s.exitCode == ExitClean {
		s.exitCode = ExitUsage
	}
}

// checkChildren escalates overdue terminations and liveness-probes
// adopted children, which have no waiter goroutine to observe their exit.
func (s *Supervisor) checkChildren(now time.Time) {
	for _, c := range s.childList() {
		if _, ok := s.children[c.Pid]; !ok {
			continue
		}
		if !c.deadline.IsZero() && now.After(c.deadline) && !c.sigkill {
			s.stopChild(c, 0, false, now)
		}
		if c.cmd == nil && !c.exitSeen {
			if err := s.erlKill(c.Pid, 0); errors.Is(err, unix.ESRCH) {
				c.exitSeen = true
				s.deliverExit(exitEvent{Pid: c.Pid, Status: int(syscall.ECHILD)})
			}
		}
	}
}

func (s *Supervisor) childList() []*Child {
	out := make([]*Child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// deliverExit reports one queued child exit to the host, draining the
// child's remaining output first so every chunk precedes the exit
// notification.
func (s *Supervisor) deliverExit(ev exitEvent) {
	if c, ok := s.children[ev.Pid]; ok {
		s.drainChild(c)
		status := ev.Status
		if c.sigterm {
			// Caller-initiated termination reports as a clean exit.
			status = 0
		}
		s.log.Debugf("process %d exited (status=%d)", ev.Pid, status)
		if s.pipeValid {
			s.send(s.codec.SendExitStatus(ev.Pid, status))
		}
		s.hub.Publish(Event{Type: "exit_status", Pid: ev.Pid, Status: status})
		s.removeChild(c)
		return
	}
	if cpid, ok := s.helpers[ev.Pid]; ok {
		// Kill-command helpers come and go silently.
		if c, ok := s.children[cpid]; ok && c.killHelper == ev.Pid {
			c.killHelper = 0
		}
		delete(s.helpers, ev.Pid)
		return
	}
	s.log.Debugf("discarding exit of unknown pid %d", ev.Pid)
}

// drainChild closes the child's stdin and waits for its output pumps to
// finish, forwarding everything they produced. The drain is unbounded in
// bytes but bounded in time, in case a grandchild inherited a pipe end.
func (s *Supervisor) drainChild(c *Child) {
	if c.stdin != nil {
		c.stdin.Close()
	}
	pumps := c.outPumps()
	if len(pumps) == 0 {
		return
	}
	timeout := time.After(exitDrainTimeout)
	for _, p := range pumps {
		for !p.finished() {
			select {
			case ev := <-s.outCh:
				s.forwardOutput(ev)
			case <-p.done:
			case <-timeout:
				for _, q := range pumps {
					q.forceClose()
				}
			}
		}
	}
	s.flushOutput()
}

func (s *Supervisor) flushOutput() {
	for {
		select {
		case ev := <-s.outCh:
			s.forwardOutput(ev)
		default:
			return
		}
	}
}

func (s *Supervisor) forwardOutput(ev outputEvent) {
	if s.pipeValid {
		s.send(s.codec.SendOutput(ev.Stream, ev.Pid, ev.Data))
	}
	s.hub.Publish(Event{Type: ev.Stream, Pid: ev.Pid, Data: ev.Data})
}

// finalize kills everything still managed and returns the latched exit
// status. The alarm bounds the whole teardown; shutdownGrace bounds the
// orderly part of it.
func (s *Supervisor) finalize() int {
	code := s.exitCode
	s.log.Debugf("setting alarm to %s", s.alarm)
	alarm := time.AfterFunc(s.alarm, func() {
		s.log.Warnf("shutdown budget exhausted, exiting")
		os.Exit(code)
	})
	defer alarm.Stop()

	// SIGTERM the whole process group. Our own copy lands in sigCh and
	// is ignored below.
	unix.Kill(0, syscall.SIGTERM)

	deadline := time.Now().Add(shutdownGrace)
	ticker := time.NewTicker(deadlinePollInterval)
	defer ticker.Stop()

	for len(s.children) > 0 && time.Now().Before(deadline) {
		now := time.Now()
		for _, c := range s.childList() {
			if _, ok := s.children[c.Pid]; ok {
				s.stopChild(c, 0, false, now)
			}
		}
		for hpid := range s.helpers {
			s.erlKill(hpid, syscall.SIGKILL)
			delete(s.helpers, hpid)
		}
		if len(s.children) == 0 {
			break
		}
		select {
		case ev := <-s.exitCh:
			s.deliverExit(ev)
		case ev := <-s.outCh:
			s.forwardOutput(ev)
		case <-ticker.C:
			s.checkChildren(time.Now())
		}
	}

	s.log.Debugf("exiting (%d)", code)
	return code
}

// send records a host-pipe write failure: the pipe is considered lost and
// the daemon shuts down.
func (s *Supervisor) send(err error) {
	if err == nil {
		return
	}
	s.log.Warnf("error writing to host pipe: %s", err)
	s.pipeValid = false
	s.markTerminated()
}

func (s *Supervisor) sendOK(transID int64) {
	if s.pipeValid {
		s.send(s.codec.SendOK(transID))
	}
}

func (s *Supervisor) sendOKPid(transID int64, pid int) {
	if s.pipeValid {
		s.send(s.codec.SendOKPid(transID, pid))
	}
}

func (s *Supervisor) sendPidList(transID int64, pids []int) {
	if s.pipeValid {
		s.send(s.codec.SendPidList(transID, pids))
	}
}

func (s *Supervisor) sendErrorAtom(transID int64, reason string) {
	if s.pipeValid {
		s.send(s.codec.SendErrorAtom(transID, reason))
	}
}

func (s *Supervisor) sendErrorStr(transID int64, format string, args ...interface{}) {
	if s.pipeValid {
		s.send(s.codec.SendErrorStr(transID, format, args...))
	}
}
