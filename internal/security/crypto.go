package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/schemes"

	"TorMesh/internal/codec"
	"TorMesh/internal/core"
)

// DefaultScheme - постквантовая схема подписи по умолчанию
const DefaultScheme = "Sphincs+"

// NonceSize - размер одноразового значения
const NonceSize = 32

var (
	// ErrUnknownScheme - схема подписи не поддерживается
	ErrUnknownScheme = errors.New("security: неизвестная схема подписи")
	// ErrNoSigningKey - ключи не сгенерированы и не загружены
	ErrNoSigningKey = errors.New("security: ключ подписи не загружен")
	// ErrBadSignature - подпись конверта не прошла проверку
	ErrBadSignature = errors.New("security: неверная подпись")
	// ErrSenderMismatch - отпечаток отправителя не совпадает с ключом
	ErrSenderMismatch = errors.New("security: отправитель не совпадает с ключом подписи")
)

var log = core.NewLogger("security")

// CryptoManager управляет ключами подписи узла
type CryptoManager struct {
	mu     sync.RWMutex
	scheme sign.Scheme
	pub    sign.PublicKey
	priv   sign.PrivateKey
	pubRaw []byte
}

// NewCryptoManager создает менеджер для схемы с указанным именем
func NewCryptoManager(schemeName string) (*CryptoManager, error) {
	if schemeName == "" {
		schemeName = DefaultScheme
	}
	s := schemes.ByName(schemeName)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeName)
	}
	return &CryptoManager{scheme: s}, nil
}

// SchemeName возвращает имя используемой схемы
func (cm *CryptoManager) SchemeName() string {
	return cm.scheme.Name()
}

// GenerateKeys генерирует новую пару ключей и делает ее текущей
func (cm *CryptoManager) GenerateKeys() (pub, priv []byte, err error) {
	pk, sk, err := cm.scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("не удалось сгенерировать ключи %s: %w", cm.scheme.Name(), err)
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("не удалось сериализовать публичный ключ: %w", err)
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("не удалось сериализовать приватный ключ: %w", err)
	}

	cm.mu.Lock()
	cm.pub, cm.priv, cm.pubRaw = pk, sk, pub
	cm.mu.Unlock()

	log.Info("🔑 Сгенерированы ключи %s, отпечаток %s", cm.scheme.Name(), Fingerprint(pub)[:16])
	return pub, priv, nil
}

// LoadKeys загружает сохраненную пару ключей
func (cm *CryptoManager) LoadKeys(priv, pub []byte) error {
	sk, err := cm.scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("не удалось загрузить приватный ключ: %w", err)
	}
	pk, err := cm.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return fmt.Errorf("не удалось загрузить публичный ключ: %w", err)
	}

	cm.mu.Lock()
	cm.pub, cm.priv = pk, sk
	cm.pubRaw = append([]byte(nil), pub...)
	cm.mu.Unlock()
	return nil
}

// HasKeys сообщает, загружены ли ключи
func (cm *CryptoManager) HasKeys() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.priv != nil
}

type resetter interface {
	Reset()
}

// Wipe затирает приватный ключ в памяти, если схема это умеет, и выгружает его.
// Публичный ключ и отпечаток остаются доступны.
func (cm *CryptoManager) Wipe() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.priv == nil {
		return
	}
	if r, ok := cm.priv.(resetter); ok {
		r.Reset()
	}
	cm.priv = nil
	log.Debug("🧹 Приватный ключ %s выгружен", cm.scheme.Name())
}

// PublicKey возвращает сериализованный публичный ключ
func (cm *CryptoManager) PublicKey() []byte {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]byte(nil), cm.pubRaw...)
}

// Fingerprint возвращает отпечаток собственного публичного ключа
func (cm *CryptoManager) Fingerprint() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.pubRaw == nil {
		return ""
	}
	return Fingerprint(cm.pubRaw)
}

// Sign подписывает сообщение текущим приватным ключом
func (cm *CryptoManager) Sign(msg []byte) ([]byte, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.priv == nil {
		return nil, ErrNoSigningKey
	}
	return cm.scheme.Sign(cm.priv, msg, nil), nil
}

// Verify проверяет подпись ключом текущей схемы. Любая ошибка дает false.
func (cm *CryptoManager) Verify(msg, sig, pub []byte) bool {
	return VerifyWith(cm.scheme, msg, sig, pub)
}

// VerifyWith проверяет подпись заданной схемой
func VerifyWith(s sign.Scheme, msg, sig, pub []byte) (ok bool) {
	if s == nil || len(sig) != s.SignatureSize() {
		return false
	}
	pk, err := s.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug("проверка подписи завершилась паникой: %v", r)
			ok = false
		}
	}()
	return s.Verify(pk, msg, sig, nil)
}

// SignEnvelope заполняет поля отправителя и подписывает конверт
func (cm *CryptoManager) SignEnvelope(env *codec.Envelope) error {
	pub := cm.PublicKey()
	if len(pub) == 0 {
		return ErrNoSigningKey
	}
	env.Scheme = cm.scheme.Name()
	env.PublicKey = pub
	env.Sender = Fingerprint(pub)
	env.Signature = nil

	msg, err := codec.SigningBytes(env)
	if err != nil {
		return err
	}
	sig, err := cm.Sign(msg)
	if err != nil {
		return err
	}
	env.Signature = sig
	return nil
}

// VerifyEnvelope проверяет подпись конверта и соответствие отправителя ключу.
// Схема берется из конверта, поэтому узлы с разными схемами понимают друг друга.
func VerifyEnvelope(env *codec.Envelope) error {
	if Fingerprint(env.PublicKey) != env.Sender {
		return ErrSenderMismatch
	}
	s := schemes.ByName(env.Scheme)
	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownScheme, env.Scheme)
	}
	msg, err := codec.SigningBytes(env)
	if err != nil {
		return err
	}
	if !VerifyWith(s, msg, env.Signature, env.PublicKey) {
		return ErrBadSignature
	}
	return nil
}

// HashData возвращает hex SHA-256 данных
func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint возвращает отпечаток публичного ключа
func Fingerprint(pub []byte) string {
	return HashData(pub)
}

// GenerateNonce возвращает NonceSize случайных байт
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать nonce: %w", err)
	}
	return nonce, nil
}
