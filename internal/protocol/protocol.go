// Package protocol defines the wire format spoken over the dictation socket.
//
// The transport is a byte stream with no message boundaries, so each
// direction carries its own framing:
//
//   - client -> daemon: raw native-endian IEEE-754 float32 samples, mono,
//     at the daemon's expected rate. There is no envelope; end of input is
//     the client closing the write half of the connection. The total byte
//     count must be a multiple of SampleWidth.
//   - daemon -> client: newline-delimited lines "<tag> <payload>", where the
//     tag is F (final transcription, last message of the session) or L
//     (free-text status, zero or more before F).
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// SampleWidth is the size in bytes of one audio sample on the wire.
const SampleWidth = 4

// ErrMisaligned reports an audio byte stream whose length is not a whole
// number of samples. A trailing partial sample is a framing violation, never
// silently dropped.
var ErrMisaligned = errors.New("audio byte count not a multiple of sample width")

// Kind tags a daemon-to-client message.
type Kind byte

const (
	// KindFinal carries the final transcription text. It is the last
	// message of a session; the text may be empty when no speech was
	// detected.
	KindFinal Kind = 'F'
	// KindLog carries a free-text status line.
	KindLog Kind = 'L'
)

// Message is one daemon-to-client line.
type Message struct {
	Kind Kind
	Text string
}

// Bytes encodes samples for the client-to-daemon direction.
func Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.NativeEndian.PutUint32(out[i*SampleWidth:], math.Float32bits(s))
	}
	return out
}

// Samples decodes a complete audio byte stream. It returns ErrMisaligned if
// the length is not a multiple of SampleWidth.
func Samples(data []byte) ([]float32, error) {
	if len(data)%SampleWidth != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(data))
	}
	samples := make([]float32, len(data)/SampleWidth)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.NativeEndian.Uint32(data[i*SampleWidth:]))
	}
	return samples, nil
}

// Encode renders the message as a wire line, including the trailing newline.
// Newlines inside the payload would break the framing and are flattened to
// spaces.
func (m Message) Encode() []byte {
	text := strings.ReplaceAll(m.Text, "\n", " ")
	return []byte(fmt.Sprintf("%c %s\n", m.Kind, text))
}

// ParseMessage decodes one line (without the trailing newline).
func ParseMessage(line string) (Message, error) {
	if len(line) < 1 {
		return Message{}, errors.New("empty message line")
	}
	kind := Kind(line[0])
	switch kind {
	case KindFinal, KindLog:
	default:
		return Message{}, fmt.Errorf("unknown message tag %q", line[0])
	}
	// The single space separator is required even for an empty payload.
	if len(line) < 2 || line[1] != ' ' {
		return Message{}, fmt.Errorf("malformed message line %q", line)
	}
	return Message{Kind: kind, Text: line[2:]}, nil
}

// WriteMessage writes one framed message.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// MessageReader decodes the daemon-to-client stream. A final message
// terminates the stream: subsequent Next calls return io.EOF without reading
// further.
type MessageReader struct {
	r    *bufio.Reader
	done bool
}

func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{r: bufio.NewReader(r)}
}

// Next returns the next message in order. It returns io.EOF once the final
// message has been delivered or the underlying stream ends.
func (mr *MessageReader) Next() (Message, error) {
	if mr.done {
		return Message{}, io.EOF
	}
	line, err := mr.r.ReadString('\n')
	if err != nil {
		mr.done = true
		if err == io.EOF && line == "" {
			return Message{}, io.EOF
		}
		if err != io.EOF {
			return Message{}, err
		}
		// Partial last line without newline still parses below.
	}
	msg, perr := ParseMessage(strings.TrimSuffix(line, "\n"))
	if perr != nil {
		mr.done = true
		return Message{}, perr
	}
	if msg.Kind == KindFinal {
		mr.done = true
	}
	return msg, nil
}
