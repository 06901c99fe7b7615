// Package credits формирует HTML-страницу с благодарностями используемым библиотекам
package credits

import (
	"fmt"
	"html/template"
	"io"
)

// Library - библиотека и ее назначение в TorMesh
type Library struct {
	Name    string
	URL     string
	Purpose string
}

// Category - раздел страницы
type Category struct {
	Title     string
	Libraries []Library
}

// Categories возвращает разделы страницы в порядке вывода
func Categories() []Category {
	return []Category{
		{
			Title: "Security and Cryptography",
			Libraries: []Library{
				{"katzenpost/hpqc", "https://github.com/katzenpost/hpqc", "Постквантовые подписи SPHINCS+ и гибридные схемы"},
				{"flynn/noise", "https://github.com/flynn/noise", "Рукопожатие Noise для защищенных каналов"},
				{"golang.org/x/sys", "https://pkg.go.dev/golang.org/x/sys", "mlock для закрепления секретов в памяти"},
			},
		},
		{
			Title: "Networking and Communication",
			Libraries: []Library{
				{"go-libp2p", "https://github.com/libp2p/go-libp2p", "P2P-узел, потоки, NAT traversal"},
				{"go-libp2p-kad-dht", "https://github.com/libp2p/go-libp2p-kad-dht", "Kademlia DHT для поиска пиров"},
				{"go-libp2p-pubsub", "https://github.com/libp2p/go-libp2p-pubsub", "GossipSub для объявлений присутствия"},
				{"go-multiaddr", "https://github.com/multiformats/go-multiaddr", "Разбор сетевых адресов"},
				{"prometheus/client_golang", "https://github.com/prometheus/client_golang", "Метрики mesh-сети"},
			},
		},
		{
			Title: "Compression",
			Libraries: []Library{
				{"klauspost/compress", "https://github.com/klauspost/compress", "Сжатие сообщений zstd"},
				{"fxamacker/cbor", "https://github.com/fxamacker/cbor", "Компактная сериализация конвертов"},
			},
		},
		{
			Title: "User Interface",
			Libraries: []Library{
				{"bubbletea", "https://github.com/charmbracelet/bubbletea", "Терминальный интерфейс чата"},
				{"bubbles", "https://github.com/charmbracelet/bubbles", "Поле ввода и прокрутка"},
				{"lipgloss", "https://github.com/charmbracelet/lipgloss", "Стили терминала"},
				{"cobra", "https://github.com/spf13/cobra", "Командная строка"},
			},
		},
		{
			Title: "Utilities and Support",
			Libraries: []Library{
				{"go-log", "https://github.com/ipfs/go-log", "Логирование, общее с libp2p"},
				{"zap", "https://github.com/uber-go/zap", "Структурированные логи"},
				{"BurntSushi/toml", "https://github.com/BurntSushi/toml", "Файл конфигурации"},
				{"go-sqlite3", "https://github.com/mattn/go-sqlite3", "История сообщений"},
				{"golang-lru", "https://github.com/hashicorp/golang-lru", "Кэш известных сообщений"},
				{"google/uuid", "https://github.com/google/uuid", "Идентификаторы сообщений"},
				{"multierr", "https://github.com/uber-go/multierr", "Объединение ошибок остановки"},
				{"testify", "https://github.com/stretchr/testify", "Тесты"},
			},
		},
		{
			Title: "Anonymity and Privacy",
			Libraries: []Library{
				{"Tor", "https://www.torproject.org", "Onion-маршрутизация и hidden service"},
				{"golang.org/x/net/proxy", "https://pkg.go.dev/golang.org/x/net/proxy", "SOCKS5-клиент для соединений через Tor"},
			},
		},
	}
}

var page = template.Must(template.New("credits").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>TorMesh - Credits</title>
</head>
<body>
<h1>TorMesh Credits</h1>
{{- range .}}
<section>
<h2>{{.Title}}</h2>
<ul>
{{- range .Libraries}}
<li><a href="{{.URL}}">{{.Name}}</a> - {{.Purpose}}</li>
{{- end}}
</ul>
</section>
{{- end}}
</body>
</html>
`))

// Render пишет страницу благодарностей в w
func Render(w io.Writer) error {
	if err := page.Execute(w, Categories()); err != nil {
		return fmt.Errorf("не удалось сформировать страницу благодарностей: %w", err)
	}
	return nil
}
