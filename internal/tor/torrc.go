package tor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const torrcTemplate = `# сгенерировано tormesh, перезаписывается при каждом запуске
SocksPort 127.0.0.1:{{.SocksPort}}
ControlPort 127.0.0.1:{{.ControlPort}}
DataDirectory {{.DataDir}}
HiddenServiceDir {{.HiddenServiceDir}}
HiddenServicePort {{.VirtualPort}} 127.0.0.1:{{.TargetPort}}
UseEntryGuards 1
NumEntryGuards 4
CircuitBuildTimeout 60
LearnCircuitBuildTimeout 1
MaxCircuitDirtiness 600
NewCircuitPeriod 300
Log notice stdout
`

var torrc = template.Must(template.New("torrc").Parse(torrcTemplate))

type torrcParams struct {
	SocksPort        int
	ControlPort      int
	DataDir          string
	HiddenServiceDir string
	VirtualPort      int
	TargetPort       int
}

func renderTorrc(p torrcParams) ([]byte, error) {
	var buf bytes.Buffer
	if err := torrc.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("не удалось сформировать torrc: %w", err)
	}
	return buf.Bytes(), nil
}

// sessionMarker лежит в директории сессии, созданной tormesh.
// Директория без него не используется и не удаляется.
const sessionMarker = ".tormesh-session"

// prepareDirs создает директорию сессии внутри BaseDir и пишет torrc.
// Сам BaseDir не трогается: там может лежать bin/tor или чужие файлы.
func (m *Manager) prepareDirs() (string, error) {
	run := m.sessionDir()
	fi, err := os.Lstat(run)
	switch {
	case err == nil:
		if !fi.IsDir() || !ownedSession(run) {
			return "", fmt.Errorf("%w: %s", ErrForeignDir, run)
		}
	case os.IsNotExist(err):
	default:
		return "", fmt.Errorf("не удалось проверить %s: %w", run, err)
	}

	if err := os.MkdirAll(m.baseDir(), 0o700); err != nil {
		return "", fmt.Errorf("не удалось создать %s: %w", m.baseDir(), err)
	}
	for _, dir := range []string{run, m.dataDir(), m.hiddenServiceDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("не удалось создать %s: %w", dir, err)
		}
		// Tor отказывается работать с HiddenServiceDir шире 0700
		if err := os.Chmod(dir, 0o700); err != nil {
			return "", fmt.Errorf("не удалось выставить права на %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(run, sessionMarker), nil, 0o600); err != nil {
		return "", fmt.Errorf("не удалось пометить %s: %w", run, err)
	}

	b, err := renderTorrc(torrcParams{
		SocksPort:        m.cfg.SocksPort,
		ControlPort:      m.cfg.ControlPort,
		DataDir:          m.dataDir(),
		HiddenServiceDir: m.hiddenServiceDir(),
		VirtualPort:      m.cfg.HiddenServicePort,
		TargetPort:       m.targetPort,
	})
	if err != nil {
		return "", err
	}

	path := filepath.Join(run, "torrc")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("не удалось записать torrc: %w", err)
	}
	return path, nil
}

func ownedSession(dir string) bool {
	fi, err := os.Lstat(filepath.Join(dir, sessionMarker))
	return err == nil && fi.Mode().IsRegular()
}

func (m *Manager) baseDir() string          { return m.cfg.BaseDir }
func (m *Manager) sessionDir() string       { return filepath.Join(m.cfg.BaseDir, "session") }
func (m *Manager) dataDir() string          { return filepath.Join(m.sessionDir(), "data") }
func (m *Manager) hiddenServiceDir() string { return filepath.Join(m.sessionDir(), "hidden_service") }
