package supervisor

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// outputChunkSize bounds a single stdout/stderr read, which in turn bounds
// the size of one output message on the wire.
const outputChunkSize = 4096

// exitDrainTimeout is how long exit delivery waits for an output pump to
// hit EOF before force-closing its descriptor. EOF normally arrives as
// soon as the dead child's pipe drains; the timeout covers grandchildren
// that inherited the write end and would otherwise hold up the exit
// notification forever.
const exitDrainTimeout = 500 * time.Millisecond

type outputEvent struct {
	Pid    int
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// outPump forwards one child output stream to the event loop in chunks.
// It owns the read end of the pipe and closes it when the stream ends.
type outPump struct {
	log    *zap.SugaredLogger
	pid    int
	stream string
	f      *os.File
	out    chan<- outputEvent

	done      chan struct{}
	closeOnce sync.Once
}

func newOutPump(log *zap.SugaredLogger, pid int, stream string, f *os.File, out chan<- outputEvent) *outPump {
	return &outPump{
		log:    log,
		pid:    pid,
		stream: stream,
		f:      f,
		out:    out,
		done:   make(chan struct{}),
	}
}

// run reads until EOF or error. Every chunk is sent to the loop before
// done is closed, so a loop that has observed done and then drained its
// channel has seen all of this stream's data.
func (p *outPump) run() {
	defer close(p.done)
	buf := make([]byte, outputChunkSize)
	for {
		n, err := p.f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.out <- outputEvent{Pid: p.pid, Stream: p.stream, Data: data}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("error reading %s of pid %d: %s", p.stream, p.pid, err)
			}
			p.closeFile()
			return
		}
	}
}

func (p *outPump) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// forceClose unblocks the pump's read; run then closes done.
func (p *outPump) forceClose() {
	p.closeFile()
}

func (p *outPump) closeFile() {
	p.closeOnce.Do(func() {
		p.f.Close()
	})
}

// stdinPump owns the write end of a child's stdin pipe and drains an
// unbounded queue of buffers into it. Enqueue never blocks the caller,
// matching the requirement that the event loop has no suspension points
// besides its own select.
type stdinPump struct {
	log *zap.SugaredLogger
	pid int
	f   *os.File

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newStdinPump(log *zap.SugaredLogger, pid int, f *os.File) *stdinPump {
	return &stdinPump{
		log:  log,
		pid:  pid,
		f:    f,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends a buffer for delivery. Buffers enqueued after the pipe
// has failed or been closed are discarded.
func (p *stdinPump) Enqueue(data []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Debugf("stdin (%d bytes) dropped: pid %d stdin is closed", len(data), p.pid)
		return
	}
	p.queue = append(p.queue, data)
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Close tears the stream down from the supervisor side: pending queue
// entries are discarded and the descriptor is closed, unblocking any
// in-flight write.
func (p *stdinPump) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	if already {
		return
	}
	p.closeFile()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *stdinPump) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		var buf []byte
		if len(p.queue) > 0 {
			buf = p.queue[0]
			p.queue = p.queue[1:]
		}
		closed := p.closed
		p.mu.Unlock()

		if buf == nil {
			if closed {
				return
			}
			<-p.kick
			continue
		}

		if _, err := p.f.Write(buf); err != nil {
			p.log.Debugf("error writing to stdin of pid %d: %s", p.pid, err)
			p.mu.Lock()
			p.closed = true
			p.queue = nil
			p.mu.Unlock()
			p.closeFile()
			return
		}
	}
}

func (p *stdinPump) closeFile() {
	p.closeOnce.Do(func() {
		p.f.Close()
	})
}
