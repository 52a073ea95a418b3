package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxBufferBytes bounds the inbound reassembly buffer. Once more than this
// many bytes are buffered without a newline, the whole buffer is discarded;
// no attempt is made to resynchronize on attacker-controlled bytes.
const MaxBufferBytes = 64 * 1024

// ErrBufferOverflow signals that the reassembly buffer exceeded
// MaxBufferBytes and was cleared.
var ErrBufferOverflow = errors.New("protocol: reassembly buffer overflow")

// Marshal encodes a message as one wire frame: its JSON serialization
// followed by a single newline.
func Marshal(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder reassembles newline-delimited JSON frames from an arbitrary
// chunking of the byte stream. A decoder belongs to one session; a new
// session starts with a fresh decoder.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a decoder with an empty reassembly buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends a chunk and returns every complete frame now available, in
// arrival order. Empty lines are skipped and unparseable lines silently
// discarded; framing is byte-level only, validation is a separate stage.
// When the buffer exceeds MaxBufferBytes it is cleared and
// ErrBufferOverflow returned; no frame is produced from the overflowed
// region.
func (d *Decoder) Write(chunk []byte) ([]json.RawMessage, error) {
	d.buf = append(d.buf, chunk...)

	if len(d.buf) > MaxBufferBytes {
		d.buf = nil
		return nil, ErrBufferOverflow
	}

	var frames []json.RawMessage
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		frames = append(frames, json.RawMessage(bytes.Clone(line)))
	}
	return frames, nil
}

// Buffered reports how many bytes await a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
