package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version - текущая версия формата конверта
const Version uint8 = 1

// Kind - тип конверта
type Kind string

const (
	KindChat     Kind = "chat"
	KindPing     Kind = "ping"
	KindPresence Kind = "presence"
)

var (
	// ErrBadVersion - конверт неподдерживаемой версии
	ErrBadVersion = errors.New("codec: неподдерживаемая версия конверта")
	// ErrBadKind - неизвестный тип конверта
	ErrBadKind = errors.New("codec: неизвестный тип конверта")
)

// Envelope - единица передачи в mesh-сети
type Envelope struct {
	Version   uint8  `cbor:"1,keyasint"`
	Kind      Kind   `cbor:"2,keyasint"`
	ID        string `cbor:"3,keyasint"`
	Sender    string `cbor:"4,keyasint"` // отпечаток публичного ключа подписи
	Scheme    string `cbor:"5,keyasint,omitempty"`
	PublicKey []byte `cbor:"6,keyasint,omitempty"`
	Timestamp int64  `cbor:"7,keyasint"`
	TTL       uint8  `cbor:"8,keyasint"`
	Body      []byte `cbor:"9,keyasint,omitempty"`
	Signature []byte `cbor:"10,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// детерминированная кодировка нужна для подписи
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// размер строк ограничен MaxDecompressedSize, здесь только структура
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewEnvelope создает конверт с новым UUID и текущим временем
func NewEnvelope(kind Kind, body []byte, ttl uint8) *Envelope {
	return &Envelope{
		Version:   Version,
		Kind:      kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now().Unix(),
		TTL:       ttl,
		Body:      body,
	}
}

// Validate проверяет обязательные поля
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, e.Version)
	}
	switch e.Kind {
	case KindChat, KindPing, KindPresence:
	default:
		return fmt.Errorf("%w: %q", ErrBadKind, e.Kind)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("codec: некорректный ID конверта: %w", err)
	}
	return nil
}

// Marshal кодирует конверт в CBOR и сжимает
func Marshal(env *Envelope) ([]byte, error) {
	b, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("не удалось закодировать конверт: %w", err)
	}
	return Compress(b), nil
}

// Unmarshal распаковывает нагрузку и декодирует конверт
func Unmarshal(payload []byte) (*Envelope, error) {
	b, err := Decompress(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{}
	if err := decMode.Unmarshal(b, env); err != nil {
		return nil, fmt.Errorf("не удалось декодировать конверт: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// SigningBytes возвращает байты, которые подписывает отправитель.
// Signature и TTL исключены: TTL уменьшается при ретрансляции.
func SigningBytes(env *Envelope) ([]byte, error) {
	c := *env
	c.Signature = nil
	c.TTL = 0
	b, err := encMode.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("не удалось закодировать конверт для подписи: %w", err)
	}
	return b, nil
}

// MarshalCBOR кодирует произвольное значение детерминированным CBOR
func MarshalCBOR(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR декодирует CBOR с ограничениями кодека
func UnmarshalCBOR(b []byte, v interface{}) error {
	return decMode.Unmarshal(b, v)
}
