package jrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StdIO implements a transport over an io.Reader/io.Writer pair, typically
// stdin/stdout, with newline-delimited JSON frames. It provides a single
// persistent session and can be used as either ServerTransport or
// ClientTransport.
//
// Resources must be released by stopping the session (or shutting the
// transport down) when the StdIO instance is no longer needed.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeFrames chan stdIOFrame
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdIOFrame struct {
	frame []byte
	errs  chan error
}

// NewStdIO creates a StdIO transport reading frames from reader and writing
// them to writer.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			id:     uuid.New().String(),
			reader: reader,
			writer: writer,
			logger: slog.Default().With(
				slog.String("package", "go-jrpc"),
				slog.String("component", "stdio"),
			),
			writeFrames: make(chan stdIOFrame),
			done:        make(chan struct{}),
			readClosed:  make(chan struct{}),
			writeClosed: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by yielding the single
// persistent session and blocking until it stops.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteFrames()

		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// session to stop.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by starting the
// write loop and returning the single session.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	go s.sess.processWriteFrames()
	return s.sess, nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, frame json.RawMessage) error {
	// Append newline to maintain message framing protocol.
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	out = append(out, '\n')

	ioFrame := stdIOFrame{
		frame: out,
		errs:  make(chan error, 1),
	}

	// Queue the frame so concurrent senders never interleave writes.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeFrames channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeFrames channel", slog.String("frame", string(out)))
		return nil
	case s.writeFrames <- ioFrame:
	}

	select {
	case err := <-ioFrame.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("frame", string(out)))
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		defer close(s.readClosed)

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr)

			// Read in a goroutine so a slow reader never blocks the done
			// channel.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					select {
					case lines <- lineWithErr{err: err}:
					default:
					}
					return
				}
				select {
				case lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}:
				default:
				}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if errors.Is(lwe.err, io.EOF) {
					return
				}
				s.logger.Error("failed to read frame", "err", lwe.err)
				return
			}

			if lwe.line == "" {
				continue
			}

			if !yield(json.RawMessage(lwe.line)) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteFrames() {
	defer close(s.writeClosed)

	for {
		var frame stdIOFrame
		select {
		case <-s.done:
			return
		case frame = <-s.writeFrames:
		}

		_, err := s.writer.Write(frame.frame)

		frame.errs <- err
	}
}
