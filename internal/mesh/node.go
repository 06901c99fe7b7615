package mesh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tls "github.com/libp2p/go-libp2p/p2p/security/tls"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"TorMesh/pkg/config"
)

// portVerifyTimeout - сколько ждем, пока порт узла начнет принимать TCP
const portVerifyTimeout = 5 * time.Second

// newHost создает узел libp2p, слушающий TCP (и QUIC) на порту port
func newHost(privKey crypto.PrivKey, cfg config.NetworkConfig, port int) (host.Host, error) {
	listen := []string{fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenHost, port)}
	if cfg.EnableQUIC {
		listen = append(listen, fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", cfg.ListenHost, port))
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listen...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(tls.ID, tls.New),
		libp2p.Transport(tcp.NewTCPTransport),
	}
	if cfg.EnableQUIC {
		opts = append(opts, libp2p.Transport(quic.NewTransport))
	}
	if cfg.EnableNATPortMap {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	if cfg.EnableRelay {
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableAutoRelayWithPeerSource(relayCandidates(cfg), autorelay.WithBootDelay(30*time.Second)),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать libp2p узел: %w", err)
	}
	return h, nil
}

// relayCandidates использует bootstrap-узлы как кандидатов в ретрансляторы
func relayCandidates(cfg config.NetworkConfig) autorelay.PeerSource {
	return func(ctx context.Context, numPeers int) <-chan peer.AddrInfo {
		r := make(chan peer.AddrInfo)
		go func() {
			defer close(r)
			for _, pi := range bootstrapPeers(cfg) {
				select {
				case r <- pi:
				case <-ctx.Done():
					return
				}
			}
		}()
		return r
	}
}

// bootstrapPeers - пользовательские bootstrap-узлы или стандартные узлы IPFS
func bootstrapPeers(cfg config.NetworkConfig) []peer.AddrInfo {
	var out []peer.AddrInfo
	if len(cfg.CustomBootstrapNodes) > 0 {
		for _, s := range cfg.CustomBootstrapNodes {
			pi, err := peer.AddrInfoFromString(s)
			if err != nil {
				log.Warn("⚠️ Не удалось распарсить bootstrap-адрес '%s': %v", s, err)
				continue
			}
			out = append(out, *pi)
		}
		return out
	}
	for _, maddr := range dht.DefaultBootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		out = append(out, *pi)
	}
	return out
}

// tcpPort возвращает TCP-порт, на котором фактически слушает узел
func tcpPort(h host.Host) int {
	for _, addr := range h.Network().ListenAddresses() {
		v, err := addr.ValueForProtocol(multiaddr.P_TCP)
		if err != nil {
			continue
		}
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 0
}

// verifyPort ждет, пока порт начнет принимать TCP-соединения
func verifyPort(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, portVerifyTimeout)
	defer cancel()

	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("порт %d не принимает соединения: %w", port, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
