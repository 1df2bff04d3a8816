// Package wire implements the length-prefixed framing used between peers:
// each frame is a 4-byte little-endian body length followed by the body.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"nearview/codec"
)

const DefaultMaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

type Reader struct {
	r   *bufio.Reader
	max uint32
}

func NewReader(r io.Reader, maxFrame uint32) *Reader {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), max: maxFrame}
}

// ReadFrame returns the next frame body. A clean EOF before the header is
// returned as io.EOF; EOF inside a frame is io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > r.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, r.max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadMessage reads one frame and decodes it as typeName.
func (r *Reader) ReadMessage(s codec.Schema, typeName string) (any, error) {
	body, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return s.Decode(typeName, body)
}

type Writer struct {
	w   io.Writer
	max uint32
}

func NewWriter(w io.Writer, maxFrame uint32) *Writer {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Writer{w: w, max: maxFrame}
}

func (w *Writer) WriteFrame(body []byte) error {
	if uint64(len(body)) > uint64(w.max) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), w.max)
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.w.Write(buf)
	return err
}

func (w *Writer) WriteMessage(s codec.Schema, typeName string, v any) error {
	body, err := s.Encode(typeName, v)
	if err != nil {
		return err
	}
	return w.WriteFrame(body)
}
