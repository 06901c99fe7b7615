package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize - максимальный размер полезной нагрузки одного кадра
const MaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge - длина кадра превышает MaxFrameSize
	ErrFrameTooLarge = errors.New("codec: кадр слишком большой")
	// ErrEmptyFrame - кадр нулевой длины
	ErrEmptyFrame = errors.New("codec: пустой кадр")
)

// WriteFrame пишет кадр: 4 байта длины (big-endian) и полезную нагрузку
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("не удалось записать кадр: %w", err)
	}
	return nil
}

// ReadFrame читает один кадр. Чистый EOF до заголовка возвращается как io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("не удалось прочитать кадр: %w", err)
	}
	return payload, nil
}
