package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"TorMesh/internal/codec"
	"TorMesh/internal/security"
)

const presenceTopicSuffix = "/presence"

// presence объявляет адрес узла через GossipSub и слушает объявления других
type presence struct {
	n     *Network
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  peer.ID
}

func newPresence(ctx context.Context, n *Network) (*presence, error) {
	ps, err := pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать GossipSub: %w", err)
	}
	topic, err := ps.Join(n.cfg.RendezvousString + presenceTopicSuffix)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к топику presence: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("не удалось подписаться на presence: %w", err)
	}
	return &presence{n: n, ps: ps, topic: topic, sub: sub, self: n.host.ID()}, nil
}

// run публикует объявления раз в AnnounceInterval и обрабатывает входящие
func (p *presence) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.readLoop(ctx)
	}()

	ticker := time.NewTicker(p.n.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		p.announce(ctx)
		select {
		case <-ctx.Done():
			p.sub.Cancel()
			<-done
			return
		case <-ticker.C:
		}
	}
}

func (p *presence) announce(ctx context.Context) {
	p.n.mu.RLock()
	addr := p.n.localAddr
	p.n.mu.RUnlock()

	env := codec.NewEnvelope(codec.KindPresence, []byte(addr), 0)
	if err := p.n.opts.Crypto.SignEnvelope(env); err != nil && !errors.Is(err, security.ErrNoSigningKey) {
		log.Warn("⚠️ Не удалось подписать presence: %v", err)
		return
	}
	payload, err := codec.Marshal(env)
	if err != nil {
		return
	}
	if err := p.topic.Publish(ctx, payload); err != nil && ctx.Err() == nil {
		log.Debug("Presence не опубликован: %v", err)
	}
}

func (p *presence) readLoop(ctx context.Context) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == p.self {
			continue
		}
		p.handle(msg)
	}
}

// handle добавляет отправителя и объявленный им адрес в таблицу пиров
func (p *presence) handle(msg *pubsub.Message) {
	env, err := codec.Unmarshal(msg.Data)
	if err != nil || env.Kind != codec.KindPresence {
		p.n.metrics.dropped.WithLabelValues(dropDecode).Inc()
		return
	}
	if err := p.n.verify(env); err != nil {
		p.n.metrics.dropped.WithLabelValues(dropSignature).Inc()
		return
	}
	p.n.metrics.received.WithLabelValues(string(env.Kind)).Inc()

	if from := msg.GetFrom(); from != "" && from != p.self {
		_ = p.n.addPeer(from.String(), SourcePresence)
	}
	if addr := string(env.Body); addr != "" {
		if err := p.n.addPeer(addr, SourcePresence); err != nil {
			log.Debug("Объявленный адрес %q пропущен: %v", addr, err)
		}
	}
}

// close отменяет подписку. Сам GossipSub завершается вместе с контекстом сети.
func (p *presence) close() error {
	p.sub.Cancel()
	_ = p.topic.Close()
	return nil
}
