package tor

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// DialContextFn - функция установки соединения
type DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

var processIsolation = newProcessIsolation()

func newProcessIsolation() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "tormesh-"
	}
	return hex.EncodeToString(b[:]) + "-"
}

// SOCKS5Dialer возвращает функцию соединения через SOCKS-порт Tor.
// tag попадает в имя пользователя SOCKS, поэтому разные теги идут по разным цепочкам.
func SOCKS5Dialer(socksAddr, tag string) (DialContextFn, error) {
	sum := sha512.Sum512_256([]byte(tag))
	auth := &proxy.Auth{
		User:     processIsolation + hex.EncodeToString(sum[:16]),
		Password: string([]byte{0x00}),
	}

	d, err := proxy.SOCKS5("tcp", socksAddr, auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("tor: SOCKS5 dialer не поддерживает контекст")
	}
	return cd.DialContext, nil
}
