package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Probe запрашивает /health и проверяет, что узел ответил "OK"
func Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("некорректный URL %q: %w", url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health-проверка не удалась: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("не удалось прочитать ответ: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health-проверка: статус %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) != HealthBody {
		return fmt.Errorf("health-проверка: неожиданный ответ %q", body)
	}
	return nil
}

// URL формирует адрес /health для хоста и порта
func URL(host string, port int) string {
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/health", host, port)
}
