package core

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const (
	// Константы для файлов
	identityFile   = "identity.key"
	signingKeyFile = "signing.key"
	peerCacheFile  = "peer.cache"

	// Максимальное количество пиров для кэширования
	maxCachedPeers = 200

	// Время жизни кэшированного пира
	peerCacheTTL = 24 * time.Hour
)

// ErrNoSigningKeys - ключи подписи еще не сохранены
var ErrNoSigningKeys = errors.New("ключи подписи не найдены")

// PeerCacheEntry представляет запись в кэше пиров
type PeerCacheEntry struct {
	Address  string    `json:"address"` // peer ID или host:port
	Source   string    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
	Active   bool      `json:"active"` // Был ли пир активен при сохранении
}

// SigningKeys - сохраненная пара ключей подписи
type SigningKeys struct {
	Scheme     string `json:"scheme"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// PersistenceManager управляет сохранением и загрузкой данных узла.
// В эфемерном режиме ничего не пишет на диск.
type PersistenceManager struct {
	configPath string
	ephemeral  bool
}

// NewPersistenceManager создает новый менеджер персистентности
func NewPersistenceManager(dir string, ephemeral bool) (*PersistenceManager, error) {
	if !ephemeral {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("не удалось создать конфигурационную директорию: %w", err)
		}
	}
	return &PersistenceManager{configPath: dir, ephemeral: ephemeral}, nil
}

// Ephemeral сообщает, работает ли менеджер без диска
func (pm *PersistenceManager) Ephemeral() bool {
	return pm.ephemeral
}

// LoadOrCreateIdentity загружает ключ libp2p или создает новый
func (pm *PersistenceManager) LoadOrCreateIdentity() (crypto.PrivKey, error) {
	identityPath := filepath.Join(pm.configPath, identityFile)

	if !pm.ephemeral {
		if data, err := os.ReadFile(identityPath); err == nil {
			privKey, err := crypto.UnmarshalPrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("не удалось десериализовать ключ: %w", err)
			}
			return privKey, nil
		}
	}

	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("не удалось сгенерировать новый ключ: %w", err)
	}
	if pm.ephemeral {
		return privKey, nil
	}

	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("не удалось сериализовать ключ: %w", err)
	}
	if err := os.WriteFile(identityPath, keyData, 0o600); err != nil {
		return nil, fmt.Errorf("не удалось сохранить ключ: %w", err)
	}
	return privKey, nil
}

// LoadSigningKeys загружает ключи подписи. Нет файла или другая схема - ErrNoSigningKeys.
func (pm *PersistenceManager) LoadSigningKeys(scheme string) (*SigningKeys, error) {
	if pm.ephemeral {
		return nil, ErrNoSigningKeys
	}

	data, err := os.ReadFile(filepath.Join(pm.configPath, signingKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSigningKeys
		}
		return nil, fmt.Errorf("не удалось прочитать ключи подписи: %w", err)
	}

	var keys SigningKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("не удалось десериализовать ключи подписи: %w", err)
	}
	if keys.Scheme != scheme {
		return nil, ErrNoSigningKeys
	}
	return &keys, nil
}

// SaveSigningKeys сохраняет ключи подписи с правами 0600
func (pm *PersistenceManager) SaveSigningKeys(keys *SigningKeys) error {
	if pm.ephemeral {
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать ключи подписи: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pm.configPath, signingKeyFile), data, 0o600); err != nil {
		return fmt.Errorf("не удалось сохранить ключи подписи: %w", err)
	}
	return nil
}

// SavePeerCache сохраняет кэш пиров
func (pm *PersistenceManager) SavePeerCache(entries []PeerCacheEntry) error {
	if pm.ephemeral {
		return nil
	}

	if len(entries) > maxCachedPeers {
		entries = entries[:maxCachedPeers]
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("не удалось сериализовать кэш пиров: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pm.configPath, peerCacheFile), data, 0o600); err != nil {
		return fmt.Errorf("не удалось сохранить кэш пиров: %w", err)
	}
	return nil
}

// LoadPeerCache загружает кэш пиров, отбрасывая устаревшие записи
func (pm *PersistenceManager) LoadPeerCache() ([]PeerCacheEntry, error) {
	if pm.ephemeral {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(pm.configPath, peerCacheFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Пустой кэш
		}
		return nil, fmt.Errorf("не удалось прочитать кэш пиров: %w", err)
	}

	var entries []PeerCacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("не удалось десериализовать кэш пиров: %w", err)
	}

	var validEntries []PeerCacheEntry
	now := time.Now()
	for _, entry := range entries {
		if now.Sub(entry.LastSeen) < peerCacheTTL {
			validEntries = append(validEntries, entry)
		}
	}
	return validEntries, nil
}

// GetConfigPath возвращает путь к конфигурационной директории
func (pm *PersistenceManager) GetConfigPath() string {
	return pm.configPath
}
