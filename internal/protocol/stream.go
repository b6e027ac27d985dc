package protocol

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sharma-sourabh3435/buildfarm/internal/codec"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
)

func send(conn transport.Conn, msg Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind, err)
	}
	if err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	return nil
}

// receive reads the next message. A normal end of stream is returned as io.EOF.
func receive(conn transport.Conn) (Message, error) {
	data, err := conn.Read()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// expect reads the next message and checks that its kind is one of kinds
func expect(conn transport.Conn, kinds ...Kind) (Message, error) {
	msg, err := receive(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, &ProtocolError{Expected: kinds, EndOfStream: true}
		}
		return Message{}, err
	}
	if !slices.Contains(kinds, msg.Kind) {
		return Message{}, &ProtocolError{Expected: kinds, Received: msg.Kind}
	}
	return msg, nil
}

// chunkWriter sends every write as one or more data messages of a fixed kind
type chunkWriter struct {
	conn transport.Conn
	kind Kind
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), ChunkSize)
		if err := send(w.conn, Message{Kind: w.kind, Data: p[:n]}); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// chunkReader reads data messages of one kind up to the matching end message. An end
// message with HasError set turns into ErrArtifactUnavailable.
type chunkReader struct {
	conn transport.Conn
	data Kind
	end  Kind
	buf  []byte
	err  error
}

func newChunkReader(conn transport.Conn, data, end Kind) *chunkReader {
	return &chunkReader{conn: conn, data: data, end: end}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		msg, err := expect(r.conn, r.data, r.end)
		if err != nil {
			r.err = err
			return 0, err
		}
		if msg.Kind == r.end {
			r.err = io.EOF
			if msg.HasError {
				r.err = ErrArtifactUnavailable
			}
			return 0, r.err
		}
		r.buf = msg.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// drain consumes the stream up to its end message
func (r *chunkReader) drain() error {
	_, err := io.Copy(io.Discard, r)
	return err
}
