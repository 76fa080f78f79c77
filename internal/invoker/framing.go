package invoker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxFrameBytes bounds a single Content-Length frame.
const maxFrameBytes = 64 << 20

// ContentLengthTransport runs a command and exchanges JSON-RPC messages
// with it using "Content-Length: N\r\n\r\n" header framing on stdio.
type ContentLengthTransport struct {
	Command           *exec.Cmd
	TerminateDuration time.Duration
}

var _ mcp.Transport = (*ContentLengthTransport)(nil)

// Connect starts the command and returns a connection over its pipes.
func (t *ContentLengthTransport) Connect(context.Context) (mcp.Connection, error) {
	stdout, err := t.Command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := t.Command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := t.Command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.Command.Path, err)
	}

	grace := t.TerminateDuration
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	cmd := t.Command
	closeProc := func() error {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return ignoreExit(err)
		case <-time.After(grace):
		}
		_ = cmd.Process.Kill()
		return ignoreExit(<-done)
	}
	return newFramedConn(stdout, stdin, closeProc), nil
}

func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// framedConn implements mcp.Connection over a reader and writer.
type framedConn struct {
	w         io.WriteCloser
	closeProc func() error

	writeMu sync.Mutex
	msgs    chan jsonrpc.Message
	readErr error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newFramedConn(r io.Reader, w io.WriteCloser, closeProc func() error) *framedConn {
	c := &framedConn{
		w:         w,
		closeProc: closeProc,
		msgs:      make(chan jsonrpc.Message),
		done:      make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *framedConn) readLoop(br *bufio.Reader) {
	defer close(c.msgs)
	for {
		msg, err := readFrame(br)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// readFrame reads one header block and its body.
func readFrame(br *bufio.Reader) (jsonrpc.Message, error) {
	tp := textproto.NewReader(br)
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	raw := strings.TrimSpace(header.Get("Content-Length"))
	if raw == "" {
		return nil, errors.New("frame missing Content-Length header")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("invalid Content-Length %q", raw)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return jsonrpc.DecodeMessage(body)
}

func (c *framedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.msgs:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (c *framedConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = c.w.Write(data)
	return err
}

func (c *framedConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		err := c.w.Close()
		if c.closeProc != nil {
			err = errors.Join(err, c.closeProc())
		}
		c.closeErr = err
	})
	return c.closeErr
}

func (c *framedConn) SessionID() string { return "" }
