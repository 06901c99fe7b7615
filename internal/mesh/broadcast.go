package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TorMesh/internal/codec"
	"TorMesh/internal/core"
	"TorMesh/internal/security"
)

const (
	// channelOverhead - тег ChaCha20-Poly1305 защищенного канала
	channelOverhead = 16
	// maxPayloadSize - предел закодированного конверта, чтобы он прошел любым транспортом
	maxPayloadSize = codec.MaxFrameSize - channelOverhead
	// maxBodySize оставляет место под подпись в пределах MaxDecompressedSize получателя
	maxBodySize = codec.MaxDecompressedSize - 64*1024
)

// Broadcast подписывает chat-конверт и рассылает его всем пирам.
// Неактивным пирам и пирам с ошибкой отправки нагрузка буферизуется.
// Слишком большое сообщение отклоняется до любых действий с пирами.
func (n *Network) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	if !n.Running() {
		return BroadcastResult{}, ErrNotRunning
	}
	if len(text) > maxBodySize {
		return BroadcastResult{}, fmt.Errorf("%w: %d байт", ErrMessageTooLarge, len(text))
	}

	env := codec.NewEnvelope(codec.KindChat, []byte(text), uint8(n.cfg.RelayTTL))
	if err := n.opts.Crypto.SignEnvelope(env); err != nil {
		if n.opts.RequireSignatures || !errors.Is(err, security.ErrNoSigningKey) {
			return BroadcastResult{}, fmt.Errorf("не удалось подписать сообщение: %w", err)
		}
		log.Warn("⚠️ Ключ подписи не загружен, сообщение уходит без подписи")
	}
	payload, err := codec.Marshal(env)
	if err != nil {
		return BroadcastResult{}, err
	}
	if len(payload) > maxPayloadSize {
		return BroadcastResult{}, fmt.Errorf("%w: %d байт после сжатия", ErrMessageTooLarge, len(payload))
	}
	n.known.Add(env.ID, struct{}{})

	// списки снимаются до рассылки: пир, ставший неактивным при отправке, буферизуется один раз
	active, inactive := n.peers.active(""), n.peers.inactive()

	res := BroadcastResult{ID: env.ID}
	now := time.Now()
	for _, addr := range active {
		if err := n.sendTo(ctx, addr, payload); err != nil {
			log.Warn("⚠️ Не удалось отправить %s: %v", addr, err)
			n.markFailed(addr)
			n.bufferFor(addr, payload, now)
			res.Buffered++
			continue
		}
		n.markAlive(addr)
		res.Delivered++
	}
	for _, addr := range inactive {
		n.bufferFor(addr, payload, now)
		res.Buffered++
	}

	log.Info("📤 Сообщение %s: доставлено %d, в буфере %d", env.ID, res.Delivered, res.Buffered)
	return res, nil
}

func (n *Network) bufferFor(addr string, payload []byte, now time.Time) {
	if n.buffer.add(addr, payload, now) {
		n.metrics.evicted.Inc()
		log.Warn("⚠️ Буфер переполнен, самая старая запись вытеснена")
	}
}

func (n *Network) markAlive(addr string) {
	if n.peers.touch(addr, time.Now()) {
		n.pushEvent(core.PeerConnectedEvent(addr))
	}
}

func (n *Network) markFailed(addr string) {
	if n.peers.fail(addr) {
		log.Warn("⚠️ Пир %s помечен неактивным", addr)
		n.pushEvent(core.PeerDisconnectedEvent(addr))
	}
}

// handleInbound обрабатывает кадр, принятый любым транспортом
func (n *Network) handleInbound(from string, payload []byte) {
	if !n.limiter(from).Allow() {
		n.metrics.dropped.WithLabelValues(dropRateLimited).Inc()
		log.Debug("Кадр от %s отброшен ограничителем", from)
		return
	}

	env, err := codec.Unmarshal(payload)
	if err != nil {
		n.metrics.dropped.WithLabelValues(dropDecode).Inc()
		log.Warn("⚠️ Некорректный кадр от %s: %v", from, err)
		return
	}

	n.seen(from)

	switch env.Kind {
	case codec.KindPing:
		n.metrics.received.WithLabelValues(string(env.Kind)).Inc()
		return
	case codec.KindChat:
	default:
		// presence ходит через GossipSub
		return
	}

	if n.known.Contains(env.ID) {
		n.metrics.dropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	if err := n.verify(env); err != nil {
		n.metrics.dropped.WithLabelValues(dropSignature).Inc()
		log.Warn("⚠️ Сообщение %s от %s отклонено: %v", env.ID, from, err)
		return
	}
	if ok, _ := n.known.ContainsOrAdd(env.ID, struct{}{}); ok {
		n.metrics.dropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	n.metrics.received.WithLabelValues(string(env.Kind)).Inc()

	msg := Message{
		ID:        env.ID,
		Sender:    env.Sender,
		Body:      string(env.Body),
		Timestamp: time.Unix(env.Timestamp, 0),
		Via:       from,
	}
	select {
	case n.msgCh <- msg:
	default:
		n.metrics.dropped.WithLabelValues(dropQueueFull).Inc()
		log.Warn("⚠️ Очередь сообщений переполнена, %s отброшено", env.ID)
	}
	n.pushEvent(core.NewMessageEvent(msg.ID, msg.Sender, msg.Body, from))

	if env.TTL > 0 {
		n.relay(env, from)
	}
}

// seen отмечает отправителя живым, незнакомого - добавляет как входящего.
// Отправители без подтвержденного адреса в таблицу не попадают.
func (n *Network) seen(from string) {
	if n.peers.has(from) {
		n.markAlive(from)
		return
	}
	if n.isSelf(from) || !n.handles(from) {
		return
	}
	if n.peers.add(from, SourceInbound, time.Now()) {
		log.Info("➕ Входящий пир: %s", from)
		n.pushEvent(core.PeerConnectedEvent(from))
	}
}

func (n *Network) verify(env *codec.Envelope) error {
	if len(env.Signature) == 0 {
		if n.opts.RequireSignatures {
			return security.ErrBadSignature
		}
		return nil
	}
	return security.VerifyEnvelope(env)
}

// relay пересылает конверт с уменьшенным TTL всем активным пирам, кроме источника.
// TTL не входит в подписанные байты.
func (n *Network) relay(env *codec.Envelope, from string) {
	targets := n.peers.active(from)
	if len(targets) == 0 {
		return
	}

	fwd := *env
	fwd.TTL = env.TTL - 1
	payload, err := codec.Marshal(&fwd)
	if err != nil {
		log.Error("❌ Не удалось закодировать конверт для ретрансляции: %v", err)
		return
	}

	n.mu.RLock()
	ctx := n.ctx
	n.mu.RUnlock()
	if ctx == nil {
		return
	}
	for _, addr := range targets {
		if err := n.sendTo(ctx, addr, payload); err != nil {
			log.Debug("Ретрансляция %s на %s не удалась: %v", env.ID, addr, err)
			n.markFailed(addr)
			continue
		}
		n.metrics.relayed.Inc()
	}
}
