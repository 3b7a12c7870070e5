package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// DefaultMaxLineBytes caps one request line on the stdio transport.
const DefaultMaxLineBytes = 1 << 20

var errLineTooLong = errors.New("rpc: request line exceeds limit")

// LineServerOptions configures a line-delimited transport.
type LineServerOptions struct {
	Dispatcher *Dispatcher

	// Token is presented to the dispatcher for every request. The stdio
	// transport has no per-request credential channel.
	Token string

	// Source labels the peer in request metadata, e.g. "stdio".
	Source string

	MaxLineBytes int
	Logger       *zap.Logger
}

// LineServer reads newline-delimited requests from a stream and writes one
// response line per non-notification request. Lines over the cap get a
// parse error response and the stream keeps going.
type LineServer struct {
	opts LineServerOptions
	log  *zap.Logger
}

func NewLineServer(opts LineServerOptions) *LineServer {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Source == "" {
		opts.Source = "stdio"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &LineServer{opts: opts, log: log.Named("stdio")}
}

// Serve processes r until EOF or ctx cancellation between requests.
func (s *LineServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	meta := map[string]string{MetaSource: s.opts.Source}
	s.log.Info("serving line-delimited requests", zap.String("source", s.opts.Source))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readLine(br, s.opts.MaxLineBytes)
		switch {
		case errors.Is(err, errLineTooLong):
			s.log.Warn("request line over limit", zap.Int("max_bytes", s.opts.MaxLineBytes))
			if werr := s.write(w, s.opts.Dispatcher.marshal(protocolError(nil, CodeParseError, "request line exceeds limit"))); werr != nil {
				return werr
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("rpc: reading request line: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		resp := s.opts.Dispatcher.HandleLine(ctx, line, s.opts.Token, meta)
		if resp == nil {
			continue
		}
		if err := s.write(w, resp); err != nil {
			return err
		}
	}
}

func (s *LineServer) write(w io.Writer, resp []byte) error {
	if _, err := w.Write(append(resp, '\n')); err != nil {
		return fmt.Errorf("rpc: writing response line: %w", err)
	}
	return nil
}

// readLine returns the next line without its terminator. Over-cap lines are
// drained to the next newline so the stream stays framed, then reported as
// errLineTooLong.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > max {
				if derr := drainLine(br); derr != nil {
					return nil, derr
				}
				return nil, errLineTooLong
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, err
	}
	line := bytes.TrimRight(buf, "\r\n")
	if len(line) > max {
		return nil, errLineTooLong
	}
	return line, nil
}

// drainLine discards input up to and including the next newline.
func drainLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}
