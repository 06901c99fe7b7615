package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"TorMesh/internal/core"
	"TorMesh/internal/security"
	"TorMesh/pkg/config"
)

var log = core.NewLogger("ui")

// Status - то, что окно показывает в заголовке и панели статуса
type Status struct {
	TorRunning   bool
	OnionAddress string
	Port         int
	HealthPort   int
	Peers        int
	ActivePeers  int
	Buffered     int
}

// Incoming - входящее сообщение для окна
type Incoming struct {
	Sender string
	Text   string
}

// Notice - системное уведомление (подключение пира и т.п.)
type Notice string

// Backend - операции приложения, доступные окну
type Backend interface {
	Send(ctx context.Context, text string) error
	ClearHistory(ctx context.Context) error
	Status() Status
}

// Режимы окна
type Mode int

const (
	ModeChat Mode = iota
	ModeConfirmClear
	ModeConfirmQuit
)

// String возвращает строковое представление режима
func (m Mode) String() string {
	switch m {
	case ModeChat:
		return "Чат"
	case ModeConfirmClear:
		return "Подтверждение очистки"
	case ModeConfirmQuit:
		return "Подтверждение выхода"
	default:
		return "Неизвестно"
	}
}

type lineKind int

const (
	lineSelf lineKind = iota
	lineIncoming
	lineSystem
)

// chatLine хранит текст строки в защищенном буфере
type chatLine struct {
	kind lineKind
	buf  *security.LockedBuffer
}

const (
	headerHeight = 2
	footerHeight = 3
	senderLen    = 8
)

// ChatModel - модель bubbletea окна чата
type ChatModel struct {
	backend  Backend
	mem      *security.SecureMemory
	lines    []chatLine
	maxLines int
	refresh  time.Duration

	viewport   viewport.Model
	input      textinput.Model
	mode       Mode
	showStatus bool
	status     Status
	width      int
	height     int
	quitting   bool
}

// NewChatModel создает модель. history - уже отрисованные строки истории.
func NewChatModel(backend Backend, mem *security.SecureMemory, cfg config.UIConfig, history []string) *ChatModel {
	ti := textinput.New()
	ti.Placeholder = "Сообщение..."
	ti.Prompt = "> "
	ti.CharLimit = 4096
	ti.Focus()

	m := &ChatModel{
		backend:  backend,
		mem:      mem,
		maxLines: cfg.MaxLines,
		refresh:  cfg.RefreshInterval,
		viewport: viewport.New(80, 20),
		input:    ti,
		status:   backend.Status(),
	}
	if m.refresh <= 0 {
		m.refresh = time.Second
	}
	for _, h := range history {
		m.appendLine(lineSystem, h)
	}
	return m
}

// Сообщения для bubbletea
type statusTickMsg struct{}

type sendResultMsg struct {
	err error
}

type clearedMsg struct {
	err error
}

// Init запускает курсор и периодическое обновление статуса
func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.tick())
}

func (m *ChatModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return statusTickMsg{} })
}

// Update обрабатывает сообщения
func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil
	case Incoming:
		m.appendLine(lineIncoming, fmt.Sprintf("%s: %s", shortSender(msg.Sender), msg.Text))
		return m, nil
	case Notice:
		m.appendLine(lineSystem, string(msg))
		return m, nil
	case statusTickMsg:
		m.status = m.backend.Status()
		return m, m.tick()
	case sendResultMsg:
		if msg.err != nil {
			m.appendLine(lineSystem, fmt.Sprintf("⚠️ Не удалось отправить: %v", msg.err))
		}
		return m, nil
	case clearedMsg:
		if msg.err != nil {
			m.appendLine(lineSystem, fmt.Sprintf("⚠️ История не удалена: %v", msg.err))
		} else {
			m.appendLine(lineSystem, "🗑️ Чат очищен")
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// handleKeyPress обрабатывает нажатия клавиш в зависимости от режима
func (m *ChatModel) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case ModeConfirmClear:
		return m.handleConfirm(msg, m.clear)
	case ModeConfirmQuit:
		return m.handleConfirm(msg, func() tea.Cmd {
			m.quitting = true
			return tea.Quit
		})
	}
	return m.handleChatInput(msg)
}

func (m *ChatModel) handleConfirm(msg tea.KeyMsg, yes func() tea.Cmd) (tea.Model, tea.Cmd) {
	switch strings.ToLower(msg.String()) {
	case "y":
		m.mode = ModeChat
		return m, yes()
	case "n", "esc":
		m.mode = ModeChat
	}
	return m, nil
}

// handleChatInput обрабатывает ввод сообщения и горячие клавиши
func (m *ChatModel) handleChatInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.appendLine(lineSelf, "You: "+text)
		return m, m.send(text)
	case "ctrl+l":
		m.mode = ModeConfirmClear
		return m, nil
	case "ctrl+s":
		m.showStatus = !m.showStatus
		m.resize(m.width, m.height)
		return m, nil
	case "ctrl+c", "esc":
		m.mode = ModeConfirmQuit
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *ChatModel) send(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sendResultMsg{err: m.backend.Send(ctx, text)}
	}
}

// clear затирает строки окна и удаляет сохраненную историю
func (m *ChatModel) clear() tea.Cmd {
	for _, l := range m.lines {
		m.mem.Wipe(l.buf)
	}
	m.lines = nil
	m.refreshViewport()

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return clearedMsg{err: m.backend.ClearHistory(ctx)}
	}
}

func (m *ChatModel) appendLine(kind lineKind, text string) {
	m.lines = append(m.lines, chatLine{kind: kind, buf: m.mem.Protect([]byte(text))})
	if m.maxLines > 0 && len(m.lines) > m.maxLines {
		drop := len(m.lines) - m.maxLines
		for _, l := range m.lines[:drop] {
			m.mem.Wipe(l.buf)
		}
		m.lines = append([]chatLine(nil), m.lines[drop:]...)
	}
	m.refreshViewport()
}

func (m *ChatModel) refreshViewport() {
	var sb strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		text := string(l.buf.Bytes())
		switch l.kind {
		case lineSelf:
			sb.WriteString(selfStyle.Render(text))
		case lineIncoming:
			if sender, rest, ok := strings.Cut(text, ": "); ok {
				sb.WriteString(senderStyle.Render(sender) + ": " + rest)
			} else {
				sb.WriteString(text)
			}
		default:
			sb.WriteString(systemStyle.Render(text))
		}
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m *ChatModel) resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	m.width, m.height = width, height
	vh := height - headerHeight - footerHeight
	if m.showStatus {
		vh -= lipgloss.Height(m.renderStatusPanel())
	}
	if vh < 1 {
		vh = 1
	}
	m.viewport.Width = width
	m.viewport.Height = vh
	m.input.Width = width - len(m.input.Prompt) - 1
	m.refreshViewport()
}

// View отображает интерфейс
func (m *ChatModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(m.renderHeader())
	sb.WriteString("\n\n")
	if m.showStatus {
		sb.WriteString(m.renderStatusPanel())
		sb.WriteByte('\n')
	}
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n\n")
	sb.WriteString(m.renderFooter())
	return sb.String()
}

// renderHeader отображает onion-адрес и число пиров
func (m *ChatModel) renderHeader() string {
	onion := m.status.OnionAddress
	if onion == "" {
		onion = "—"
	}
	return titleStyle.Render("🧅 TorMesh") + "  " +
		onionStyle.Render("Onion: "+onion) + "  " +
		peersStyle.Render(fmt.Sprintf("Peers: %d", m.status.ActivePeers))
}

func (m *ChatModel) renderStatusPanel() string {
	tor := "остановлен"
	if m.status.TorRunning {
		tor = "запущен"
	}
	lines := []string{
		titleStyle.Render("Статус сети"),
		fmt.Sprintf("Tor: %s", tor),
		fmt.Sprintf("Порт mesh: %d, порт health: %d", m.status.Port, m.status.HealthPort),
		fmt.Sprintf("Пиры: %d (активных %d)", m.status.Peers, m.status.ActivePeers),
		fmt.Sprintf("В буфере: %d", m.status.Buffered),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m *ChatModel) renderFooter() string {
	switch m.mode {
	case ModeConfirmClear:
		return promptStyle.Render("Очистить чат и историю? (y/n)")
	case ModeConfirmQuit:
		return promptStyle.Render("Выйти? (y/n)")
	}
	return m.input.View() + "\n" + helpStyle.Render("enter отправить • ctrl+l очистить • ctrl+s статус • esc выход")
}

// Mode возвращает текущий режим
func (m *ChatModel) Mode() Mode { return m.mode }

// Lines возвращает текст строк окна
func (m *ChatModel) Lines() []string {
	out := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		out = append(out, string(l.buf.Bytes()))
	}
	return out
}

// Window запускает ChatModel в терминале
type Window struct {
	model   *ChatModel
	program *tea.Program
}

// NewWindow создает окно поверх backend
func NewWindow(backend Backend, mem *security.SecureMemory, cfg config.UIConfig, history []string) *Window {
	m := NewChatModel(backend, mem, cfg, history)
	return &Window{
		model:   m,
		program: tea.NewProgram(m, tea.WithAltScreen()),
	}
}

// Run показывает окно, пока пользователь не выйдет или не отменится ctx
func (w *Window) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.program.Quit()
		case <-done:
		}
	}()

	if _, err := w.program.Run(); err != nil {
		return fmt.Errorf("ошибка TUI: %w", err)
	}
	log.Info("👋 Окно чата закрыто")
	return nil
}

// Deliver показывает входящее сообщение. Блокируется, пока окно не запущено.
func (w *Window) Deliver(in Incoming) {
	w.program.Send(in)
}

// Notify показывает системное уведомление
func (w *Window) Notify(text string) {
	w.program.Send(Notice(text))
}

func shortSender(sender string) string {
	if len(sender) > senderLen {
		return sender[:senderLen]
	}
	return sender
}
