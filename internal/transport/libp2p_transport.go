package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"TorMesh/internal/codec"
	"TorMesh/internal/core"
	"TorMesh/pkg/interfaces"
)

const (
	// ProtocolID - протокол потоков mesh-сети
	ProtocolID protocol.ID = "/tormesh/mesh/1.0.0"
	// StreamTimeout - дедлайн на одну операцию с потоком
	StreamTimeout = 30 * time.Second
)

// ErrTransportClosed возвращается после Close
var ErrTransportClosed = errors.New("transport: закрыт")

var log = core.NewLogger("transport")

// StreamTransport доставляет кадры через потоки libp2p: один новый поток на нагрузку
type StreamTransport struct {
	host    host.Host
	handler interfaces.InboundHandler

	mu     sync.RWMutex
	closed bool
}

var _ interfaces.Transport = (*StreamTransport)(nil)

// NewStreamTransport регистрирует обработчик протокола на хосте
func NewStreamTransport(h host.Host, handler interfaces.InboundHandler) *StreamTransport {
	t := &StreamTransport{host: h, handler: handler}
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t
}

// Name возвращает имя транспорта
func (t *StreamTransport) Name() string { return "libp2p" }

// Handles сообщает, является ли адрес peer ID
func (t *StreamTransport) Handles(addr string) bool {
	_, err := peer.Decode(addr)
	return err == nil
}

// Send открывает новый поток к пиру и пишет в него один кадр
func (t *StreamTransport) Send(ctx context.Context, addr string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTransportClosed
	}

	peerID, err := peer.Decode(addr)
	if err != nil {
		return fmt.Errorf("некорректный peer ID %q: %w", addr, err)
	}

	if t.host.Network().Connectedness(peerID) != network.Connected {
		if err := t.host.Connect(ctx, peer.AddrInfo{ID: peerID}); err != nil {
			return fmt.Errorf("не удалось подключиться к %s: %w", peerID.ShortString(), err)
		}
	}

	stream, err := t.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return fmt.Errorf("не удалось открыть поток: %w", err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(StreamTimeout))

	if err := codec.WriteFrame(stream, payload); err != nil {
		_ = stream.Reset()
		return err
	}

	log.Debug("📤 Кадр (%d байт) отправлен к %s", len(payload), peerID.ShortString())
	return nil
}

// ConnectDirectly подключается к пиру по multiaddr и возвращает его peer ID
func (t *StreamTransport) ConnectDirectly(ctx context.Context, multiaddrStr string) (peer.ID, error) {
	maddr, err := multiaddr.NewMultiaddr(multiaddrStr)
	if err != nil {
		return "", fmt.Errorf("неверный формат multiaddr: %w", err)
	}
	pinfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("не удалось извлечь AddrInfo: %w", err)
	}

	if t.host.Network().Connectedness(pinfo.ID) == network.Connected {
		return pinfo.ID, nil
	}
	if err := t.host.Connect(ctx, *pinfo); err != nil {
		return "", fmt.Errorf("не удалось подключиться к %s: %w", multiaddrStr, err)
	}

	log.Info("✅ Прямое подключение к %s", pinfo.ID.ShortString())
	return pinfo.ID, nil
}

// ConnectedPeers возвращает подключенных пиров
func (t *StreamTransport) ConnectedPeers() []peer.ID {
	return t.host.Network().Peers()
}

// Close снимает обработчик протокола. Хост закрывает владелец.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.host.RemoveStreamHandler(ProtocolID)
	}
	return nil
}

// handleStream читает кадры, пока отправитель не закроет поток
func (t *StreamTransport) handleStream(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer()
	for {
		_ = stream.SetReadDeadline(time.Now().Add(StreamTimeout))

		payload, err := codec.ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("Ошибка чтения из потока %s: %v", remotePeer.ShortString(), err)
				_ = stream.Reset()
			}
			return
		}

		if t.handler != nil {
			t.handler(remotePeer.String(), payload)
		}
	}
}
