package worker

import (
	"fmt"
	"io"
	"net"
	"os"

	"procxy/errors"
	"procxy/message"
)

func (s *Server) receiveHandle(msg *message.Message, file *os.File) {
	defer s.wg.Done()
	ack := &message.Message{Type: message.TypeHandleAck, HandleID: msg.HandleID}
	if err := s.acceptHandle(msg.Kind, file); err != nil {
		s.log.Warn().Err(err).Str("handle", msg.HandleID).Str("kind", msg.Kind).Msg("handle rejected")
		ack.Error = errors.ToInfo(&errors.HandleTransferError{Kind: msg.Kind, Err: err})
	} else {
		ack.Received = true
	}
	s.send(ack)
}

func (s *Server) acceptHandle(kind string, file *os.File) (err error) {
	if file == nil {
		return fmt.Errorf("no descriptor arrived with the handle message")
	}
	recv, ok := s.svc.rcvr.Interface().(HandleReceiver)
	if !ok {
		file.Close()
		return fmt.Errorf("%s does not accept handles", s.svc.name)
	}
	h, err := rebuildHandle(kind, file)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ReceiveHandle panicked: %v", r)
		}
		if err != nil {
			h.Close()
		}
	}()
	if s.svc.exclusive() {
		l := s.svc.acquire()
		defer l.release()
	}
	return recv.ReceiveHandle(kind, h)
}

// rebuildHandle turns a received descriptor back into the value kind names.
// The descriptor is owned by the result.
func rebuildHandle(kind string, file *os.File) (io.Closer, error) {
	switch kind {
	case message.HandleFile:
		return file, nil
	case message.HandleTCPConn, message.HandleUnixConn:
		defer file.Close()
		return net.FileConn(file)
	case message.HandleTCPListener, message.HandleUnixListener:
		defer file.Close()
		return net.FileListener(file)
	}
	file.Close()
	return nil, fmt.Errorf("%w: kind %q", errors.ErrUnsupportedHandle, kind)
}
