package proto

import (
	"fmt"

	"github.com/okeuday/erlang_go/v2/erlang"
)

// Type identifies a host command.
type Type int

const (
	Manage Type = iota
	Run
	Shell
	Stop
	Kill
	List
	Shutdown
	Stdin
	Unknown
)

func (t Type) String() string {
	switch t {
	case Manage:
		return "manage"
	case Run:
		return "run"
	case Shell:
		return "shell"
	case Stop:
		return "stop"
	case Kill:
		return "kill"
	case List:
		return "list"
	case Shutdown:
		return "shutdown"
	case Stdin:
		return "stdin"
	}
	return "unknown"
}

// Command is one decoded host request. When the body failed validation,
// Bad holds the reason to report back at the same transaction id; BadAtom
// selects atom vs string encoding of that reason.
type Command struct {
	TransID int64
	Type    Type

	Pid    int        // manage, stop, kill, stdin
	Signal int        // kill
	Data   []byte     // stdin
	Opts   *SpawnOpts // manage, run, shell

	Bad     string
	BadAtom bool
}

func badarg(transID int64, t Type) *Command {
	return &Command{TransID: transID, Type: t, Bad: "badarg", BadAtom: true}
}

func parseCommand(transID int64, body erlang.OtpErlangTuple) *Command {
	name, ok := termAtom(body[0])
	if !ok {
		return badarg(transID, Unknown)
	}

	switch name {
	case "manage":
		// {manage, OsPid::integer(), Options::list()}
		if len(body) != 3 {
			return badarg(transID, Manage)
		}
		pid, ok := termInt(body[1])
		if !ok {
			return badarg(transID, Manage)
		}
		opts, errstr := parseSpawnOpts(nil, body[2])
		if errstr != "" {
			return badarg(transID, Manage)
		}
		return &Command{TransID: transID, Type: Manage, Pid: int(pid), Opts: opts}

	case "run", "shell":
		// {run|shell, Cmd::string(), Options::list()}
		t := Run
		if name == "shell" {
			t = Shell
		}
		if len(body) != 3 {
			return &Command{TransID: transID, Type: t, Bad: "badarg: cmd string expected"}
		}
		opts, errstr := parseSpawnOpts(body[1], body[2])
		if errstr != "" {
			return &Command{TransID: transID, Type: t, Bad: errstr}
		}
		return &Command{TransID: transID, Type: t, Opts: opts}

	case "stop":
		// {stop, OsPid::integer()}
		if len(body) != 2 {
			return badarg(transID, Stop)
		}
		pid, ok := termInt(body[1])
		if !ok {
			return badarg(transID, Stop)
		}
		return &Command{TransID: transID, Type: Stop, Pid: int(pid)}

	case "kill":
		// {kill, OsPid::integer(), Signal::integer()}
		if len(body) != 3 {
			return badarg(transID, Kill)
		}
		pid, ok1 := termInt(body[1])
		sig, ok2 := termInt(body[2])
		if !ok1 || !ok2 {
			return badarg(transID, Kill)
		}
		return &Command{TransID: transID, Type: Kill, Pid: int(pid), Signal: int(sig)}

	case "list":
		// {list}
		if len(body) != 1 {
			return badarg(transID, List)
		}
		return &Command{TransID: transID, Type: List}

	case "shutdown":
		return &Command{TransID: transID, Type: Shutdown}

	case "stdin":
		// {stdin, OsPid::integer(), Data::binary()}
		if len(body) != 3 {
			return badarg(transID, Stdin)
		}
		pid, ok := termInt(body[1])
		if !ok {
			return badarg(transID, Stdin)
		}
		data, ok := termBinary(body[2])
		if !ok {
			return badarg(transID, Stdin)
		}
		return &Command{TransID: transID, Type: Stdin, Pid: int(pid), Data: data}
	}

	return &Command{
		TransID: transID,
		Type:    Unknown,
		Bad:     fmt.Sprintf("Unknown command: %s", name),
	}
}
