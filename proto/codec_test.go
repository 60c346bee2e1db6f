package proto

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/okeuday/erlang_go/v2/erlang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func frameTerm(t *testing.T, term interface{}) []byte {
	t.Helper()
	payload, err := erlang.TermToBinary(term, -1)
	require.NoError(t, err)
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	return buf
}

func readOne(t *testing.T, term interface{}) (*Command, error) {
	t.Helper()
	codec := NewCodec(zap.NewNop().Sugar(), bytes.NewReader(frameTerm(t, term)), io.Discard)
	return codec.ReadCommand()
}

func mustRead(t *testing.T, term interface{}) *Command {
	t.Helper()
	cmd, err := readOne(t, term)
	require.NoError(t, err)
	return cmd
}

func optList(opts ...interface{}) erlang.OtpErlangList {
	return erlang.OtpErlangList{Value: opts}
}

func TestReadCommandRun(t *testing.T) {
	cmd := mustRead(t, tuple(1, tuple(atom("run"), "echo hi", optList(atom("stdout")))))
	require.Empty(t, cmd.Bad)
	assert.Equal(t, int64(1), cmd.TransID)
	assert.Equal(t, Run, cmd.Type)
	assert.Equal(t, "echo hi", cmd.Opts.Cmd)
	assert.Equal(t, RedirectPipe, cmd.Opts.Streams[1].Kind)
	assert.Equal(t, RedirectNull, cmd.Opts.Streams[0].Kind)
	assert.Equal(t, RedirectNone, cmd.Opts.Streams[2].Kind)
	assert.Equal(t, DefaultKillTimeout, cmd.Opts.KillTimeout)
}

func TestReadCommandShell(t *testing.T) {
	cmd := mustRead(t, tuple(7, tuple(atom("shell"), "ls", optList())))
	require.Empty(t, cmd.Bad)
	assert.Equal(t, Shell, cmd.Type)
	assert.Equal(t, "ls", cmd.Opts.Cmd)
}

func TestReadCommandManage(t *testing.T) {
	cmd := mustRead(t, tuple(2, tuple(atom("manage"), 1234, optList(
		tuple(atom("kill"), "kill -9 $CHILD_PID"),
		tuple(atom("kill_timeout"), 7),
	))))
	require.Empty(t, cmd.Bad)
	assert.Equal(t, Manage, cmd.Type)
	assert.Equal(t, 1234, cmd.Pid)
	assert.Equal(t, "kill -9 $CHILD_PID", cmd.Opts.KillCmd)
	assert.Equal(t, 7, cmd.Opts.KillTimeout)
}

func TestReadCommandStopKillList(t *testing.T) {
	cmd := mustRead(t, tuple(3, tuple(atom("stop"), 42)))
	assert.Equal(t, Stop, cmd.Type)
	assert.Equal(t, 42, cmd.Pid)

	cmd = mustRead(t, tuple(4, tuple(atom("kill"), 42, 9)))
	assert.Equal(t, Kill, cmd.Type)
	assert.Equal(t, 42, cmd.Pid)
	assert.Equal(t, 9, cmd.Signal)

	cmd = mustRead(t, tuple(5, tuple(atom("list"))))
	assert.Equal(t, List, cmd.Type)

	cmd = mustRead(t, tuple(6, tuple(atom("shutdown"))))
	assert.Equal(t, Shutdown, cmd.Type)
}

func TestReadCommandStdin(t *testing.T) {
	cmd := mustRead(t, tuple(8, tuple(atom("stdin"), 42, bin([]byte("hello\n")))))
	require.Empty(t, cmd.Bad)
	assert.Equal(t, Stdin, cmd.Type)
	assert.Equal(t, 42, cmd.Pid)
	assert.Equal(t, []byte("hello\n"), cmd.Data)
}

func TestReadCommandUnknown(t *testing.T) {
	cmd := mustRead(t, tuple(9, tuple(atom("frobnicate"), 1)))
	assert.Equal(t, Unknown, cmd.Type)
	assert.Equal(t, "Unknown command: frobnicate", cmd.Bad)
	assert.False(t, cmd.BadAtom)
}

func TestReadCommandBadArity(t *testing.T) {
	cmd := mustRead(t, tuple(10, tuple(atom("stop"))))
	assert.Equal(t, "badarg", cmd.Bad)
	assert.True(t, cmd.BadAtom)

	cmd = mustRead(t, tuple(11, tuple(atom("kill"), 42)))
	assert.Equal(t, "badarg", cmd.Bad)
	assert.True(t, cmd.BadAtom)
}

func TestReadCommandBadEnvelope(t *testing.T) {
	// A bare atom has no {TransId, Body} shape; the stream is unusable.
	_, err := readOne(t, atom("nope"))
	require.ErrorIs(t, err, ErrBadFrame)

	_, err = readOne(t, tuple(atom("x"), tuple(atom("list"))))
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestReadCommandShortFrame(t *testing.T) {
	full := frameTerm(t, tuple(1, tuple(atom("list"))))

	codec := NewCodec(zap.NewNop().Sugar(), bytes.NewReader(full[:1]), io.Discard)
	_, err := codec.ReadCommand()
	require.Error(t, err)

	codec = NewCodec(zap.NewNop().Sugar(), bytes.NewReader(full[:len(full)-2]), io.Discard)
	_, err = codec.ReadCommand()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func decodeFrame(t *testing.T, buf *bytes.Buffer) (int64, interface{}) {
	t.Helper()
	hdr := make([]byte, 2)
	_, err := io.ReadFull(buf, hdr)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint16(hdr))
	_, err = io.ReadFull(buf, payload)
	require.NoError(t, err)
	term, err := erlang.BinaryToTerm(payload)
	require.NoError(t, err)
	env, ok := termTuple(term)
	require.True(t, ok)
	require.Len(t, env, 2)
	transID, ok := termInt(env[0])
	require.True(t, ok)
	return transID, env[1]
}

func TestReplyShapes(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(zap.NewNop().Sugar(), bytes.NewReader(nil), &buf)

	require.NoError(t, codec.SendOK(1))
	transID, body := decodeFrame(t, &buf)
	assert.Equal(t, int64(1), transID)
	name, ok := termAtom(body)
	require.True(t, ok)
	assert.Equal(t, "ok", name)

	require.NoError(t, codec.SendOKPid(2, 4321))
	transID, body = decodeFrame(t, &buf)
	assert.Equal(t, int64(2), transID)
	tup, ok := termTuple(body)
	require.True(t, ok)
	require.Len(t, tup, 2)
	name, _ = termAtom(tup[0])
	assert.Equal(t, "ok", name)
	pid, _ := termInt(tup[1])
	assert.Equal(t, int64(4321), pid)

	require.NoError(t, codec.SendPidList(3, []int{10, 20}))
	transID, body = decodeFrame(t, &buf)
	assert.Equal(t, int64(3), transID)
	tup, ok = termTuple(body)
	require.True(t, ok)
	require.Len(t, tup, 2)
	pids, ok := termList(tup[1])
	require.True(t, ok)
	require.Len(t, pids, 2)
	p0, _ := termInt(pids[0])
	p1, _ := termInt(pids[1])
	assert.Equal(t, int64(10), p0)
	assert.Equal(t, int64(20), p1)

	require.NoError(t, codec.SendErrorAtom(4, "badarg"))
	_, body = decodeFrame(t, &buf)
	tup, _ = termTuple(body)
	require.Len(t, tup, 2)
	name, _ = termAtom(tup[0])
	assert.Equal(t, "error", name)
	reason, _ := termAtom(tup[1])
	assert.Equal(t, "badarg", reason)

	require.NoError(t, codec.SendErrorStr(5, "pid not alive"))
	_, body = decodeFrame(t, &buf)
	tup, _ = termTuple(body)
	reason, ok = termString(tup[1])
	require.True(t, ok)
	assert.Equal(t, "pid not alive", reason)
}

func TestNotificationShapes(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(zap.NewNop().Sugar(), bytes.NewReader(nil), &buf)

	require.NoError(t, codec.SendExitStatus(4321, 0))
	transID, body := decodeFrame(t, &buf)
	assert.Equal(t, int64(0), transID)
	tup, ok := termTuple(body)
	require.True(t, ok)
	require.Len(t, tup, 3)
	name, _ := termAtom(tup[0])
	assert.Equal(t, "exit_status", name)
	pid, _ := termInt(tup[1])
	assert.Equal(t, int64(4321), pid)
	status, _ := termInt(tup[2])
	assert.Equal(t, int64(0), status)

	require.NoError(t, codec.SendOutput("stdout", 4321, []byte("hi\n")))
	transID, body = decodeFrame(t, &buf)
	assert.Equal(t, int64(0), transID)
	tup, _ = termTuple(body)
	require.Len(t, tup, 3)
	name, _ = termAtom(tup[0])
	assert.Equal(t, "stdout", name)
	data, ok := termBinary(tup[2])
	require.True(t, ok)
	assert.Equal(t, []byte("hi\n"), data)
}
