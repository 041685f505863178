// Package setup is the terminal form for editing the posting settings.
package setup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nowplaying/nowplaying/internal/settings"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#86B300")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Width(18).
			Foreground(lipgloss.Color("#A8DADC"))

	focusedLabelStyle = labelStyle.
				Foreground(lipgloss.Color("#86B300")).
				Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#86B300")).
			Padding(1, 2)
)

const (
	fieldInstance = iota
	fieldToken
	fieldPostEvery
	fieldHashtags
	fieldAttach
	fieldCount
)

var labels = [fieldCount]string{
	"Instance URL",
	"Access token",
	"Post every N",
	"Extra hashtags",
	"Attach album art",
}

// Model is the Bubble Tea model for the settings form.
type Model struct {
	inputs [fieldAttach]textinput.Model
	attach bool
	focus  int
	err    error

	result    settings.Settings
	saved     bool
	cancelled bool
}

// NewModel creates a form pre-filled with s.
func NewModel(s settings.Settings) Model {
	var m Model
	for i := range m.inputs {
		ti := textinput.New()
		ti.CharLimit = 500
		ti.Width = 48
		m.inputs[i] = ti
	}
	m.inputs[fieldInstance].Placeholder = "https://misskey.io"
	m.inputs[fieldInstance].SetValue(s.InstanceURL)
	m.inputs[fieldToken].EchoMode = textinput.EchoPassword
	m.inputs[fieldToken].SetValue(s.AccessToken)
	m.inputs[fieldPostEvery].CharLimit = 2
	m.inputs[fieldPostEvery].SetValue(strconv.Itoa(s.Frequency()))
	m.inputs[fieldHashtags].Placeholder = "#music"
	m.inputs[fieldHashtags].SetValue(s.CustomHashtags)
	m.attach = s.AttachAlbumArt
	m.inputs[fieldInstance].Focus()
	return m
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "tab", "down":
			return m.moveFocus(1), nil
		case "shift+tab", "up":
			return m.moveFocus(-1), nil
		case "ctrl+s":
			return m.submit()
		case "enter":
			if m.focus == fieldCount-1 {
				return m.submit()
			}
			return m.moveFocus(1), nil
		case " ":
			if m.focus == fieldAttach {
				m.attach = !m.attach
				return m, nil
			}
		}
	}

	if m.focus < fieldAttach {
		var cmd tea.Cmd
		m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) moveFocus(delta int) Model {
	if m.focus < fieldAttach {
		m.inputs[m.focus].Blur()
	}
	m.focus = (m.focus + delta + fieldCount) % fieldCount
	if m.focus < fieldAttach {
		m.inputs[m.focus].Focus()
	}
	return m
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	s, err := m.values()
	if err != nil {
		m.err = err
		return m, nil
	}
	m.err = nil
	m.result = s
	m.saved = true
	return m, tea.Quit
}

var errPostEveryNumber = errors.New("post every must be a number")

func (m Model) values() (settings.Settings, error) {
	n, err := strconv.Atoi(strings.TrimSpace(m.inputs[fieldPostEvery].Value()))
	if err != nil {
		return settings.Settings{}, errPostEveryNumber
	}
	s := settings.Settings{
		InstanceURL:    settings.NormalizeInstanceURL(m.inputs[fieldInstance].Value()),
		AccessToken:    strings.TrimSpace(m.inputs[fieldToken].Value()),
		PostEvery:      n,
		CustomHashtags: strings.TrimSpace(m.inputs[fieldHashtags].Value()),
		AttachAlbumArt: m.attach,
	}
	if err := settings.Validate(s); err != nil {
		return settings.Settings{}, err
	}
	return s, nil
}

// Result returns the validated settings and whether the user saved them.
func (m Model) Result() (settings.Settings, bool) {
	return m.result, m.saved
}

// View renders the form.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Misskey Now Playing"))
	b.WriteString("\n")
	for i := 0; i < fieldCount; i++ {
		label := labelStyle
		if i == m.focus {
			label = focusedLabelStyle
		}
		b.WriteString(label.Render(labels[i]))
		if i < fieldAttach {
			b.WriteString(m.inputs[i].View())
		} else {
			box := "[ ]"
			if m.attach {
				box = "[x]"
			}
			b.WriteString(box)
		}
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("tab/↓ next · space toggle · ctrl+s save · esc cancel · post every %d-%d", settings.MinPostEvery, settings.MaxPostEvery)))
	return boxStyle.Render(b.String())
}

// Run shows the form for the settings stored in dir and saves them when the
// user confirms. It reports whether anything was saved.
func Run(dir string) (settings.Settings, bool, error) {
	current, err := settings.Load(dir)
	if err != nil {
		return settings.Settings{}, false, err
	}
	final, err := tea.NewProgram(NewModel(current)).Run()
	if err != nil {
		return settings.Settings{}, false, fmt.Errorf("run setup form: %w", err)
	}
	s, saved := final.(Model).Result()
	if !saved {
		return current, false, nil
	}
	if err := settings.Save(dir, s); err != nil {
		return settings.Settings{}, false, err
	}
	return s, true, nil
}
