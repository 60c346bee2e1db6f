package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/okeuday/erlang_go/v2/erlang"
	"go.uber.org/zap"
)

// maxFrame is the largest payload the 2-byte length prefix can describe.
const maxFrame = 0xffff

// ErrBadFrame reports a payload whose envelope could not be decoded. The
// stream cannot be resynchronized after this, so the caller must shut down.
var ErrBadFrame = errors.New("bad frame")

// Codec reads framed commands from the host and writes framed replies.
//
// Reads and writes are not synchronized internally: the supervisor issues
// all writes from its event loop and all reads from a single reader
// goroutine.
type Codec struct {
	log *zap.SugaredLogger
	r   io.Reader
	w   io.Writer
}

func NewCodec(log *zap.SugaredLogger, r io.Reader, w io.Writer) *Codec {
	return &Codec{log: log.Named("codec"), r: r, w: w}
}

// ReadCommand blocks until a complete frame arrives and returns the decoded
// command. A command whose body is malformed is still returned, with Bad set,
// so the caller can reply {error, Reason} and continue. Errors returned here
// are fatal to the stream: plain I/O errors (including io.EOF when the host
// closes the pipe) or ErrBadFrame.
func (c *Codec) ReadCommand() (*Command, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}

	term, err := erlang.BinaryToTerm(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFrame, err)
	}

	env, ok := termTuple(term)
	if !ok || len(env) != 2 {
		return nil, fmt.Errorf("%w: expected {TransId, Body} tuple", ErrBadFrame)
	}
	transID, ok := termInt(env[0])
	if !ok {
		return nil, fmt.Errorf("%w: non-integer transaction id", ErrBadFrame)
	}
	body, ok := termTuple(env[1])
	if !ok || len(body) < 1 {
		return nil, fmt.Errorf("%w: command body is not a tuple", ErrBadFrame)
	}

	cmd := parseCommand(transID, body)
	c.log.Debugf("read command %s (trans=%d)", cmd.Type, transID)
	return cmd, nil
}

func (c *Codec) write(term interface{}) error {
	payload, err := erlang.TermToBinary(term, -1)
	if err != nil {
		return fmt.Errorf("encoding term: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("encoded term of %d bytes exceeds frame limit", len(payload))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.w.Write(payload)
	return err
}

// SendOK replies {TransId, ok}.
func (c *Codec) SendOK(transID int64) error {
	return c.write(tuple(int(transID), atom("ok")))
}

// SendOKPid replies {TransId, {ok, OsPid}}.
func (c *Codec) SendOKPid(transID int64, pid int) error {
	return c.write(tuple(int(transID), tuple(atom("ok"), pid)))
}

// SendPidList replies {TransId, {ok, [OsPid]}}.
func (c *Codec) SendPidList(transID int64, pids []int) error {
	els := make([]interface{}, len(pids))
	for i, pid := range pids {
		els[i] = pid
	}
	list := erlang.OtpErlangList{Value: els}
	return c.write(tuple(int(transID), tuple(atom("ok"), list)))
}

// SendErrorAtom replies {TransId, {error, Reason::atom()}}.
func (c *Codec) SendErrorAtom(transID int64, reason string) error {
	return c.write(tuple(int(transID), tuple(atom("error"), atom(reason))))
}

// SendErrorStr replies {TransId, {error, Reason::string()}}.
func (c *Codec) SendErrorStr(transID int64, format string, args ...interface{}) error {
	return c.write(tuple(int(transID), tuple(atom("error"), fmt.Sprintf(format, args...))))
}

// SendExitStatus emits the supervisor-originated {0, {exit_status, OsPid, Status}}.
func (c *Codec) SendExitStatus(pid, status int) error {
	return c.write(tuple(0, tuple(atom("exit_status"), pid, status)))
}

// SendOutput emits the supervisor-originated {0, {stdout|stderr, OsPid, Data}}.
func (c *Codec) SendOutput(stream string, pid int, data []byte) error {
	return c.write(tuple(0, tuple(atom(stream), pid, bin(data))))
}
