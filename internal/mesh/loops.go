package mesh

import (
	"context"
	"time"

	"TorMesh/internal/codec"
	"TorMesh/internal/core"
)

// bufferLoop повторяет отправку буферизованных нагрузок
func (n *Network) bufferLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.flushBuffer(ctx)
		}
	}
}

// flushBuffer отправляет записи, которым подошел срок, и удаляет просроченные
func (n *Network) flushBuffer(ctx context.Context) {
	now := time.Now()
	if removed := n.buffer.expire(now, n.cfg.BufferExpiry); removed > 0 {
		log.Info("🗑️ Удалено просроченных записей буфера: %d", removed)
	}

	for _, m := range n.buffer.due(now) {
		if ctx.Err() != nil {
			return
		}
		if err := n.sendTo(ctx, m.Peer, m.Payload); err != nil {
			n.buffer.failed(m, time.Now())
			continue
		}
		n.buffer.delivered(m)
		n.markAlive(m.Peer)
	}
}

// maintenanceLoop удаляет молчащих пиров и восстанавливает неактивных
func (n *Network) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.maintain(time.Now())
		}
	}
}

func (n *Network) maintain(now time.Time) {
	removed, reactivated := n.peers.maintain(now, n.cfg.PeerTimeout)
	for _, addr := range removed {
		log.Info("➖ Пир %s удален по таймауту", addr)
		n.pushEvent(core.PeerDisconnectedEvent(addr))
	}
	for _, addr := range reactivated {
		log.Debug("Пир %s снова активен", addr)
	}
	n.pruneLimiters()
}

// heartbeatLoop отправляет ping активным пирам
func (n *Network) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeat(ctx)
		}
	}
}

func (n *Network) heartbeat(ctx context.Context) {
	env := codec.NewEnvelope(codec.KindPing, nil, 0)
	payload, err := codec.Marshal(env)
	if err != nil {
		log.Error("❌ Не удалось закодировать ping: %v", err)
		return
	}
	for _, addr := range n.peers.active("") {
		if ctx.Err() != nil {
			return
		}
		if err := n.sendTo(ctx, addr, payload); err != nil {
			log.Debug("Ping %s не прошел: %v", addr, err)
			n.markFailed(addr)
			continue
		}
		n.markAlive(addr)
	}
}
