package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"TorMesh/pkg/config"
)

// mdnsNotifee получает уведомления от сервиса mDNS
type mdnsNotifee struct {
	onPeerFound func(peer.AddrInfo, string)
}

// HandlePeerFound вызывается, когда mDNS находит участника в локальной сети
func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.onPeerFound(pi, SourceMDNS)
}

// discoveryManager управляет механизмами обнаружения (mDNS, DHT rendezvous)
type discoveryManager struct {
	host        host.Host
	cfg         config.NetworkConfig
	ctx         context.Context
	dht         *dht.IpfsDHT
	mdns        mdns.Service
	onPeerFound func(peer.AddrInfo, string)
	wg          sync.WaitGroup
}

func newDiscoveryManager(ctx context.Context, h host.Host, cfg config.NetworkConfig, onPeerFound func(peer.AddrInfo, string)) (*discoveryManager, error) {
	dm := &discoveryManager{
		host:        h,
		cfg:         cfg,
		ctx:         ctx,
		onPeerFound: onPeerFound,
	}
	if cfg.EnableDHT {
		kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
		if err != nil {
			return nil, fmt.Errorf("не удалось создать DHT: %w", err)
		}
		dm.dht = kadDHT
	}
	return dm, nil
}

// start запускает включенные механизмы обнаружения в фоне
func (dm *discoveryManager) start() {
	if dm.cfg.EnableMDNS {
		dm.mdns = mdns.NewMdnsService(dm.host, dm.cfg.RendezvousString, &mdnsNotifee{onPeerFound: dm.onPeerFound})
		if err := dm.mdns.Start(); err != nil {
			log.Error("❌ [mDNS] Не удалось запустить сервис: %v", err)
			dm.mdns = nil
		} else {
			log.Info("📡 [mDNS] Обнаружение в локальной сети запущено")
		}
	}

	if dm.dht != nil {
		dm.wg.Add(1)
		go func() {
			defer dm.wg.Done()
			dm.runDHT()
		}()
	}
}

// runDHT подключается к bootstrap-узлам и периодически ищет пиров в rendezvous-точке
func (dm *discoveryManager) runDHT() {
	log.Info("[DHT] Подключение к bootstrap-узлам...")
	if err := dm.dht.Bootstrap(dm.ctx); err != nil {
		log.Error("❌ [DHT] Ошибка bootstrap: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, pi := range bootstrapPeers(dm.cfg) {
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			if err := dm.host.Connect(dm.ctx, pi); err == nil {
				log.Debug("[DHT] Соединение с bootstrap-пиром: %s", pi.ID.ShortString())
			}
		}(pi)
	}
	wg.Wait()

	routingDiscovery := routing.NewRoutingDiscovery(dm.dht)
	log.Info("[DHT] Анонсирование в rendezvous-точке: %s", dm.cfg.RendezvousString)
	dutil.Advertise(dm.ctx, routingDiscovery, dm.cfg.RendezvousString)

	ticker := time.NewTicker(dm.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		dm.findPeers(routingDiscovery)
		select {
		case <-dm.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (dm *discoveryManager) findPeers(rd *routing.RoutingDiscovery) {
	peerChan, err := rd.FindPeers(dm.ctx, dm.cfg.RendezvousString)
	if err != nil {
		log.Warn("⚠️ [DHT] Ошибка поиска пиров: %v", err)
		return
	}
	for p := range peerChan {
		if p.ID == dm.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		dm.onPeerFound(p, SourceDHT)
	}
}

// dhtPeers возвращает размер таблицы маршрутизации
func (dm *discoveryManager) dhtPeers() int {
	if dm == nil || dm.dht == nil {
		return 0
	}
	return dm.dht.RoutingTable().Size()
}

func (dm *discoveryManager) close() error {
	var err error
	if dm.mdns != nil {
		err = dm.mdns.Close()
	}
	if dm.dht != nil {
		if cerr := dm.dht.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	dm.wg.Wait()
	return err
}
