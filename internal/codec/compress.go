package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"TorMesh/internal/core"
)

// Флаг первого байта полезной нагрузки
const (
	FlagRaw  byte = 0x00
	FlagZstd byte = 0x01
)

const (
	// MinCompressSize - данные короче отправляются без сжатия
	MinCompressSize = 64
	// MaxDecompressedSize ограничивает размер распакованных данных
	MaxDecompressedSize = 4 * MaxFrameSize
)

var (
	// ErrUnknownFlag возвращается для нагрузки с неизвестным флагом сжатия
	ErrUnknownFlag = errors.New("codec: неизвестный флаг сжатия")
	// ErrPayloadTooLarge - распакованные данные больше MaxDecompressedSize
	ErrPayloadTooLarge = errors.New("codec: распакованные данные слишком велики")
)

var (
	log = core.NewLogger("codec")

	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func initZstd() {
	zstdEncoder, zstdInitErr = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if zstdInitErr != nil {
		return
	}
	zstdDecoder, zstdInitErr = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxDecompressedSize),
	)
}

// Compress сжимает данные zstd (уровень 3) и добавляет байт-флаг.
// Короткие данные и ошибки кодировщика дают несжатую форму.
func Compress(data []byte) []byte {
	if len(data) < MinCompressSize {
		return raw(data)
	}

	zstdOnce.Do(initZstd)
	if zstdInitErr != nil {
		log.Warn("⚠️ zstd недоступен, отправляем без сжатия: %v", zstdInitErr)
		return raw(data)
	}

	out := make([]byte, 1, len(data)/2+1)
	out[0] = FlagZstd
	out = zstdEncoder.EncodeAll(data, out)
	if len(out) >= len(data)+1 {
		// сжатие не помогло
		return raw(data)
	}
	return out
}

// Decompress снимает байт-флаг и распаковывает данные.
// При ошибке zstd данные возвращаются как есть: декодер CBOR отвергнет их дальше.
// Превышение MaxDecompressedSize - ErrPayloadTooLarge.
func Decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}

	body := payload[1:]
	switch payload[0] {
	case FlagRaw:
		return body, nil
	case FlagZstd:
		zstdOnce.Do(initZstd)
		if zstdInitErr != nil {
			return nil, fmt.Errorf("codec: zstd недоступен: %w", zstdInitErr)
		}
		out, err := zstdDecoder.DecodeAll(body, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) || len(out) > MaxDecompressedSize {
			return nil, ErrPayloadTooLarge
		}
		if err != nil {
			log.Error("❌ Ошибка распаковки zstd: %v", err)
			return body, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFlag, payload[0])
	}
}

func raw(data []byte) []byte {
	out := make([]byte, len(data)+1)
	out[0] = FlagRaw
	copy(out[1:], data)
	return out
}
