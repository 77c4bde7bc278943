package sedproc

import (
	"encoding/binary"
	"io"

	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single message; model grids can be large.
const MaxFrameSize = 1 << 30

// WriteFrame writes v as a 4-byte big-endian length followed by its
// msgpack encoding.
func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sedproc: marshal frame")
	}
	if len(data) > MaxFrameSize {
		return eris.Errorf("sedproc: frame of %d bytes exceeds limit", len(data))
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return eris.Wrap(err, "sedproc: write length prefix")
	}
	if _, err := w.Write(data); err != nil {
		return eris.Wrap(err, "sedproc: write frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack message into v.
func ReadFrame(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return eris.Wrap(err, "sedproc: read length prefix")
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > MaxFrameSize {
		return eris.Errorf("sedproc: frame of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return eris.Wrapf(err, "sedproc: read frame (expected %d bytes)", n)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "sedproc: unmarshal frame")
	}
	return nil
}
