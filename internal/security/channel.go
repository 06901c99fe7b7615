package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/katzenpost/hpqc/sign/schemes"

	"TorMesh/internal/codec"
)

// channelContext - префикс подписываемых данных приветствия
const channelContext = "tormesh-channel-v1"

const (
	roleInitiator byte = 'I'
	roleResponder byte = 'R'
)

var (
	// ErrChannelAuth - удаленная сторона не подтвердила владение ключом подписи
	ErrChannelAuth = errors.New("security: аутентификация канала не пройдена")
	// ErrChannelClosed - канал закрыт
	ErrChannelClosed = errors.New("security: канал закрыт")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// hello передается внутри зашифрованного канала сразу после рукопожатия
type hello struct {
	Scheme    string `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
	Address   string `cbor:"3,keyasint,omitempty"`
	Signature []byte `cbor:"4,keyasint"`
}

// ChannelConfig параметры установки канала
type ChannelConfig struct {
	Initiator bool
	Crypto    *CryptoManager
	// LocalAddress - адрес, по которому удаленная сторона может нас найти (например .onion:порт)
	LocalAddress string
}

// Channel - аутентифицированный зашифрованный канал поверх потока байт
type Channel struct {
	rw io.ReadWriter

	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState

	remoteScheme  string
	remotePub     []byte
	remoteAddress string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel выполняет рукопожатие Noise XX и обмен подписанными приветствиями.
// Таймауты задает вызывающий через дедлайны соединения.
func NewChannel(rw io.ReadWriter, cfg ChannelConfig) (*Channel, error) {
	if cfg.Crypto == nil || !cfg.Crypto.HasKeys() {
		return nil, ErrNoSigningKey
	}

	static, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать ключ Noise: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     cfg.Initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать состояние Noise: %w", err)
	}

	ch := &Channel{rw: rw, closed: make(chan struct{})}
	if cfg.Initiator {
		err = ch.initiatorHandshake(hs)
	} else {
		err = ch.responderHandshake(hs)
	}
	if err != nil {
		return nil, fmt.Errorf("рукопожатие Noise не удалось: %w", err)
	}

	if err := ch.exchangeHello(hs.ChannelBinding(), cfg); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// -> e ; <- e, ee, s, es ; -> s, se
func (ch *Channel) initiatorHandshake(hs *noise.HandshakeState) error {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := codec.WriteFrame(ch.rw, msg); err != nil {
		return err
	}

	msg, err = codec.ReadFrame(ch.rw)
	if err != nil {
		return err
	}
	if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return err
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := codec.WriteFrame(ch.rw, msg); err != nil {
		return err
	}
	ch.send, ch.recv = cs1, cs2
	return nil
}

func (ch *Channel) responderHandshake(hs *noise.HandshakeState) error {
	msg, err := codec.ReadFrame(ch.rw)
	if err != nil {
		return err
	}
	if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return err
	}

	msg, _, _, err = hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := codec.WriteFrame(ch.rw, msg); err != nil {
		return err
	}

	msg, err = codec.ReadFrame(ch.rw)
	if err != nil {
		return err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return err
	}
	ch.send, ch.recv = cs2, cs1
	return nil
}

// exchangeHello: инициатор отправляет первым, ответчик сначала читает
func (ch *Channel) exchangeHello(binding []byte, cfg ChannelConfig) error {
	localRole, remoteRole := roleInitiator, roleResponder
	if !cfg.Initiator {
		localRole, remoteRole = roleResponder, roleInitiator
	}

	sig, err := cfg.Crypto.Sign(helloMessage(localRole, binding, cfg.LocalAddress))
	if err != nil {
		return err
	}
	local := hello{
		Scheme:    cfg.Crypto.SchemeName(),
		PublicKey: cfg.Crypto.PublicKey(),
		Address:   cfg.LocalAddress,
		Signature: sig,
	}
	localRaw, err := codec.MarshalCBOR(&local)
	if err != nil {
		return err
	}

	var remoteRaw []byte
	if cfg.Initiator {
		if err := ch.Send(localRaw); err != nil {
			return err
		}
		if remoteRaw, err = ch.Receive(); err != nil {
			return err
		}
	} else {
		if remoteRaw, err = ch.Receive(); err != nil {
			return err
		}
		if err := ch.Send(localRaw); err != nil {
			return err
		}
	}

	var remote hello
	if err := codec.UnmarshalCBOR(remoteRaw, &remote); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelAuth, err)
	}
	s := schemes.ByName(remote.Scheme)
	if s == nil || !VerifyWith(s, helloMessage(remoteRole, binding, remote.Address), remote.Signature, remote.PublicKey) {
		return ErrChannelAuth
	}

	ch.remoteScheme = remote.Scheme
	ch.remotePub = remote.PublicKey
	ch.remoteAddress = remote.Address
	return nil
}

// helloMessage: контекст || роль || binding || адрес. Binding фиксированной длины.
func helloMessage(role byte, binding []byte, address string) []byte {
	msg := make([]byte, 0, len(channelContext)+1+len(binding)+len(address))
	msg = append(msg, channelContext...)
	msg = append(msg, role)
	msg = append(msg, binding...)
	return append(msg, address...)
}

// Send шифрует и отправляет одну нагрузку. Безопасен для конкурентного вызова.
func (ch *Channel) Send(payload []byte) error {
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	ct, err := ch.send.Encrypt(nil, nil, payload)
	if err != nil {
		return fmt.Errorf("не удалось зашифровать: %w", err)
	}
	return codec.WriteFrame(ch.rw, ct)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SendDeadline как Send, но запись прерывается по дедлайну, если поток его поддерживает.
// После ошибки записи канал непригоден: счетчик nonce уже сдвинут.
func (ch *Channel) SendDeadline(payload []byte, deadline time.Time) error {
	wd, ok := ch.rw.(writeDeadliner)
	if !ok {
		return ch.Send(payload)
	}

	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	if err := wd.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer wd.SetWriteDeadline(time.Time{})

	ct, err := ch.send.Encrypt(nil, nil, payload)
	if err != nil {
		return fmt.Errorf("не удалось зашифровать: %w", err)
	}
	return codec.WriteFrame(ch.rw, ct)
}

// Receive читает и расшифровывает следующую нагрузку
func (ch *Channel) Receive() ([]byte, error) {
	ch.recvMu.Lock()
	defer ch.recvMu.Unlock()

	ct, err := codec.ReadFrame(ch.rw)
	if err != nil {
		return nil, err
	}
	pt, err := ch.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, fmt.Errorf("не удалось расшифровать: %w", err)
	}
	return pt, nil
}

// RemoteFingerprint возвращает отпечаток ключа подписи удаленной стороны
func (ch *Channel) RemoteFingerprint() string {
	return Fingerprint(ch.remotePub)
}

// RemoteScheme возвращает схему подписи удаленной стороны
func (ch *Channel) RemoteScheme() string {
	return ch.remoteScheme
}

// RemoteAddress возвращает адрес, объявленный удаленной стороной.
// Подпись связывает адрес с ключом, но не доказывает, что пир по нему доступен.
func (ch *Channel) RemoteAddress() string {
	return ch.remoteAddress
}

// Close закрывает канал и, если возможно, нижележащее соединение
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.closed)
		if c, ok := ch.rw.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
