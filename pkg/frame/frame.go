// Package frame implements the varint length-prefixed framing used on
// direct links.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest body a peer may announce in a prefix.
const MaxFrameSize = 1 << 20

var (
	ErrTooLarge  = errors.New("frame: declared length exceeds maximum frame size")
	ErrBadPrefix = errors.New("frame: malformed length prefix")
)

// Append appends the framed form of body to dst.
func Append(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// Encode returns body with its length prefix.
func Encode(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	return Append(make([]byte, 0, len(body)+binary.MaxVarintLen32), body), nil
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), max: MaxFrameSize}
}

// Next returns the body of the next frame. When the declared length is
// larger than MaxFrameSize, ErrTooLarge is returned before anything of the
// body is consumed; the stream should be considered unusable afterwards.
func (fr *Reader) Next() ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return nil, ErrBadPrefix
		}
	}

	size, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPrefix, err)
	}

	if size > uint64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
