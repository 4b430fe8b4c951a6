// Package transport implements the parent/worker channel: a unix stream
// socket carrying protocol frames, with live descriptors passed alongside as
// SCM_RIGHTS ancillary data.
//
// A Conn has a single reader and any number of writers. Writers are
// serialized by a mutex so that frames never interleave:
//
//	goroutine-1 ──WriteMessage(id=1)──┐
//	goroutine-2 ──WriteMessage(id=2)──┼──→ socketpair ──→ peer
//	goroutine-3 ──SendFile(handle)────┘
//
// Descriptors received with a read are queued in arrival order and claimed
// with TakeFile by the code that handles the matching handle message.
package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"procxy/codec"
	"procxy/message"
	"procxy/protocol"
)

// ChildFD is the descriptor number of the channel inside the worker.
const ChildFD = 3

const (
	readChunk = 64 << 10
	maxFDs    = 8
)

// Conn is one end of the channel.
type Conn struct {
	uc *net.UnixConn

	wmu sync.Mutex

	// Reader state, owned by the single reading goroutine.
	rbuf []byte
	buf  []byte
	oob  []byte

	fmu   sync.Mutex
	files []*os.File
}

// Pipe creates a connected socketpair. The returned file is the peer end,
// ready to be handed to a child process.
func Pipe() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "procxy-parent")
	peer := os.NewFile(uintptr(fds[1]), "procxy-child")
	conn, err := FileConn(local)
	local.Close()
	if err != nil {
		peer.Close()
		return nil, nil, err
	}
	return conn, peer, nil
}

// FileConn wraps a unix stream socket file. f may be closed afterwards.
func FileConn(f *os.File) (*Conn, error) {
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("transport: file conn: %w", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("transport: %s is not a unix socket", f.Name())
	}
	return &Conn{
		uc:   uc,
		rbuf: make([]byte, readChunk),
		oob:  make([]byte, unix.CmsgSpace(4*maxFDs)),
	}, nil
}

// Read implements io.Reader over the socket, queueing any descriptors that
// arrive with the data.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Conn) fill() error {
	n, oobn, _, _, err := c.uc.ReadMsgUnix(c.rbuf, c.oob)
	if oobn > 0 {
		c.queueRights(c.oob[:oobn])
	}
	if n > 0 {
		c.buf = c.rbuf[:n]
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

func (c *Conn) queueRights(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fmu.Lock()
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			c.files = append(c.files, os.NewFile(uintptr(fd), "procxy-handle"))
		}
		c.fmu.Unlock()
	}
}

// TakeFile pops the oldest received descriptor.
func (c *Conn) TakeFile() (*os.File, bool) {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	if len(c.files) == 0 {
		return nil, false
	}
	f := c.files[0]
	c.files = c.files[1:]
	return f, true
}

// ReadMessage reads and decodes the next message.
func (c *Conn) ReadMessage() (*message.Message, error) {
	header, body, err := protocol.Decode(c)
	if err != nil {
		return nil, err
	}
	msg := &message.Message{}
	if len(body) > 0 {
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
			return nil, fmt.Errorf("transport: decode %s: %w", header.Type(), err)
		}
	}
	msg.Type = header.Type()
	if msg.ID == 0 {
		msg.ID = header.ID
	}
	return msg, nil
}

// WriteMessage encodes msg with cdc and writes it as one frame.
func (c *Conn) WriteMessage(cdc codec.Codec, msg *message.Message) error {
	return c.write(cdc, msg, nil)
}

// SendFile writes msg as one frame with f's descriptor attached. f stays
// open in the sender.
func (c *Conn) SendFile(cdc codec.Codec, msg *message.Message, f *os.File) error {
	return c.write(cdc, msg, f)
}

func (c *Conn) write(cdc codec.Codec, msg *message.Message, f *os.File) error {
	kind, ok := msg.Type.Kind()
	if !ok {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, msg.Type)
	}
	body, err := cdc.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Type, err)
	}
	if uint32(len(body)) > protocol.MaxBodySize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrBodyTooLarge, len(body))
	}
	header := &protocol.Header{CodecType: byte(cdc.Type()), Kind: kind, ID: msg.ID}
	frame := protocol.AppendFrame(make([]byte, 0, protocol.HeaderSize+len(body)), header, body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if f == nil {
		_, err = c.uc.Write(frame)
		return err
	}
	n, _, err := c.uc.WriteMsgUnix(frame, unix.UnixRights(int(f.Fd())), nil)
	if err != nil {
		return err
	}
	if n < len(frame) {
		_, err = c.uc.Write(frame[n:])
	}
	return err
}

// Close closes the socket and any descriptors nobody claimed.
func (c *Conn) Close() error {
	err := c.uc.Close()
	c.fmu.Lock()
	for _, f := range c.files {
		f.Close()
	}
	c.files = nil
	c.fmu.Unlock()
	return err
}
