package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"procxy/errors"
	"procxy/message"
)

// SendHandle transfers a live descriptor to the worker and waits for the
// worker to acknowledge it. h is an *os.File, *net.TCPConn, *net.UnixConn,
// *net.TCPListener, *net.UnixListener or any other syscall.Conn. The caller
// keeps its own copy of h.
func (s *Session) SendHandle(ctx context.Context, h any) error {
	if !s.handles {
		return &errors.HandleTransferError{Reason: "handle support is disabled", Err: errors.ErrHandlesDisabled}
	}
	kind, f, err := handleFile(h)
	if err != nil {
		return &errors.HandleTransferError{Kind: kind, Err: err}
	}
	defer f.Close()

	id := fmt.Sprintf("h-%d", s.handleSeq.Add(1))
	ch := make(chan *message.Message, 1)
	s.mu.Lock()
	if s.state == Terminated {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.acks[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, id)
		s.mu.Unlock()
	}()

	msg := &message.Message{Type: message.TypeHandle, HandleID: id, Kind: kind}
	if err := s.conn.SendFile(s.cdc, msg, f); err != nil {
		if terr := s.Err(); terr != nil {
			return terr
		}
		return &errors.HandleTransferError{Kind: kind, Err: err}
	}

	var deadline <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case ack := <-ch:
		if ack.Received {
			return nil
		}
		if ack.Error != nil {
			return errors.FromInfo(ack.Error)
		}
		return &errors.HandleTransferError{Kind: kind, Reason: "rejected by worker"}
	case <-deadline:
		return &errors.HandleTransferError{Kind: kind, Reason: fmt.Sprintf("no acknowledgment within %s", s.timeout)}
	case <-s.closed:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFile returns the wire kind of h and a descriptor for it that the
// caller must close.
func handleFile(h any) (string, *os.File, error) {
	switch v := h.(type) {
	case *os.File:
		f, err := dupFile(v)
		return message.HandleFile, f, err
	case *net.TCPConn:
		f, err := v.File()
		return message.HandleTCPConn, f, err
	case *net.UnixConn:
		f, err := v.File()
		return message.HandleUnixConn, f, err
	case *net.TCPListener:
		f, err := v.File()
		return message.HandleTCPListener, f, err
	case *net.UnixListener:
		f, err := v.File()
		return message.HandleUnixListener, f, err
	case syscall.Conn:
		f, err := dupFile(v)
		return message.HandleFile, f, err
	}
	return "", nil, fmt.Errorf("%w: %T", errors.ErrUnsupportedHandle, h)
}

func dupFile(c syscall.Conn) (*os.File, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		fd   int
		derr error
	)
	if err := raw.Control(func(orig uintptr) {
		fd, derr = unix.FcntlInt(orig, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, fmt.Errorf("dup: %w", derr)
	}
	return os.NewFile(uintptr(fd), "procxy-handle"), nil
}
