package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/seamchat/seam/internal/client/api"
	"github.com/seamchat/seam/internal/client/channel"
	"github.com/seamchat/seam/internal/client/engine"
	"github.com/seamchat/seam/internal/client/session"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	badgeColor     = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	badgeStyle = lipgloss.NewStyle().
			Foreground(badgeColor).
			Bold(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewLogin viewState = iota
	viewConversations
	viewChat
	viewNewDirect
)

// --- Messages ---

type connectedMsg struct {
	eng *engine.Engine
}

type connectErrMsg struct {
	err error
}

type loginDoneMsg struct {
	err error
}

type openDoneMsg struct {
	err error
}

type engineUpdateMsg struct{}

// --- Main Model ---

type model struct {
	serverURL string
	eng       *engine.Engine
	snap      engine.Snapshot
	connected bool

	usernameInput textinput.Model
	messageInput  textinput.Model
	directInput   textinput.Model
	chatViewport  viewport.Model

	view         viewState
	selectedConv int
	loggingIn    bool
	loginError   string
	statusError  string
	width        int
	height       int
	err          error
}

func initialModel(serverURL, username string) model {
	usernameInput := textinput.New()
	usernameInput.Placeholder = "Username"
	usernameInput.SetValue(username)
	usernameInput.Focus()
	usernameInput.CharLimit = 32
	usernameInput.Width = 30

	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	directInput := textinput.New()
	directInput.Placeholder = "Who do you want to talk to?"
	directInput.CharLimit = 32
	directInput.Width = 30

	return model{
		serverURL:     serverURL,
		usernameInput: usernameInput,
		messageInput:  messageInput,
		directInput:   directInput,
		chatViewport:  viewport.New(80, 20),
		view:          viewLogin,
	}
}

// --- Commands ---

func connect(serverURL string) tea.Cmd {
	return func() tea.Msg {
		ch, err := channel.Dial(wsURL(serverURL))
		if err != nil {
			return connectErrMsg{err: err}
		}
		return connectedMsg{eng: engine.New(ch, api.New(serverURL))}
	}
}

// waitForUpdate re-arms after every engine notification; the Update handler
// takes a fresh snapshot and re-issues this command.
func waitForUpdate(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		<-eng.Updates()
		return engineUpdateMsg{}
	}
}

func doLogin(eng *engine.Engine, username string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return loginDoneMsg{err: eng.Login(ctx, username)}
	}
}

func doOpenConversation(eng *engine.Engine, conversationID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return openDoneMsg{err: eng.OpenConversation(ctx, conversationID)}
	}
}

func doOpenDirect(eng *engine.Engine, otherUsername string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return openDoneMsg{err: eng.OpenDirect(ctx, otherUsername)}
	}
}

// wsURL converts the HTTP base URL into the websocket endpoint.
func wsURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

// --- Init ---

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		connect(m.serverURL),
	)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.eng != nil {
				m.eng.Close()
			}
			return m, tea.Quit

		case "q":
			if m.view == viewLogin || m.view == viewConversations {
				if m.eng != nil {
					m.eng.Close()
				}
				return m, tea.Quit
			}

		case "esc":
			if m.view == viewChat || m.view == viewNewDirect {
				m.view = viewConversations
				m.messageInput.Blur()
				m.directInput.Blur()
				return m, nil
			}

		case "enter":
			switch m.view {
			case viewLogin:
				if m.usernameInput.Value() != "" && m.connected && !m.loggingIn {
					m.loggingIn = true
					m.loginError = ""
					return m, doLogin(m.eng, m.usernameInput.Value())
				}

			case viewConversations:
				if len(m.snap.Conversations) > 0 && m.selectedConv < len(m.snap.Conversations) {
					conv := m.snap.Conversations[m.selectedConv]
					m.view = viewChat
					m.messageInput.Focus()
					return m, doOpenConversation(m.eng, conv.ID)
				}

			case viewChat:
				if text := m.messageInput.Value(); strings.TrimSpace(text) != "" {
					m.messageInput.SetValue("")
					m.eng.Send(text)
				}
				return m, nil

			case viewNewDirect:
				if other := strings.TrimSpace(m.directInput.Value()); other != "" {
					m.directInput.SetValue("")
					m.statusError = ""
					m.view = viewChat
					m.messageInput.Focus()
					return m, doOpenDirect(m.eng, other)
				}
			}

		case "up", "k":
			if m.view == viewConversations && m.selectedConv > 0 {
				m.selectedConv--
			}

		case "down", "j":
			if m.view == viewConversations && m.selectedConv < len(m.snap.Conversations)-1 {
				m.selectedConv++
			}

		case "n":
			if m.view == viewConversations {
				m.view = viewNewDirect
				m.directInput.Focus()
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8
		m.refreshChatViewport()

	case connectedMsg:
		m.eng = msg.eng
		m.connected = true
		return m, waitForUpdate(m.eng)

	case connectErrMsg:
		m.err = msg.err
		return m, nil

	case loginDoneMsg:
		m.loggingIn = false
		if msg.err != nil {
			m.loginError = msg.err.Error()
			return m, nil
		}
		m.snap = m.eng.Snapshot()
		m.view = viewConversations
		if me := m.snap.Me; me != nil {
			session.Save("default", session.Profile{ServerURL: m.serverURL, Username: me.Username})
		}

	case openDoneMsg:
		if msg.err != nil {
			m.statusError = msg.err.Error()
			m.view = viewConversations
			m.messageInput.Blur()
		}

	case engineUpdateMsg:
		m.snap = m.eng.Snapshot()
		if m.selectedConv >= len(m.snap.Conversations) {
			m.selectedConv = 0
		}
		m.refreshChatViewport()
		cmds = append(cmds, waitForUpdate(m.eng))
	}

	// Update text inputs
	switch m.view {
	case viewLogin:
		m.usernameInput, _ = m.usernameInput.Update(msg)
	case viewChat:
		before := m.messageInput.Value()
		m.messageInput, _ = m.messageInput.Update(msg)
		if m.messageInput.Value() != before {
			m.eng.StartTyping()
		}
		m.chatViewport, _ = m.chatViewport.Update(msg)
	case viewNewDirect:
		m.directInput, _ = m.directInput.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

// activeView returns the display projection of the active conversation.
func (m *model) activeView() *engine.ConversationView {
	for i := range m.snap.Conversations {
		if m.snap.Conversations[i].ID == m.snap.ActiveID {
			return &m.snap.Conversations[i]
		}
	}
	return nil
}

func (m *model) refreshChatViewport() {
	if m.snap.ActiveID == "" {
		return
	}
	var meID, meName, partnerID, partnerName string
	if m.snap.Me != nil {
		meID = m.snap.Me.UserID
		meName = m.snap.Me.Username
	}
	if av := m.activeView(); av != nil {
		partnerID = av.PartnerID
		partnerName = av.Title
	}

	var content strings.Builder
	for _, msg := range m.snap.Messages {
		timestamp := msg.CreatedAt.Format("15:04")
		name := partnerName
		style := otherMessageStyle
		if msg.SenderID == meID {
			name = meName
			style = ownMessageStyle
		}
		suffix := ""
		if msg.SenderID == meID {
			switch {
			case msg.ClientID != "" && msg.ID == msg.ClientID:
				suffix = mutedStyle.Render(" …")
			case partnerID != "" && containsID(msg.SeenBy, partnerID):
				suffix = mutedStyle.Render(" ✓✓")
			}
		}
		fmt.Fprintf(&content, "%s %s: %s%s\n",
			mutedStyle.Render(timestamp),
			style.Render(name),
			msg.Text,
			suffix,
		)
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --- View ---

func (m model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress Ctrl+C to quit.", m.err))
	}

	switch m.view {
	case viewLogin:
		return m.loginView()
	case viewConversations:
		return m.conversationsView()
	case viewChat:
		return m.chatView()
	case viewNewDirect:
		return m.newDirectView()
	}
	return ""
}

func (m model) loginView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("╔═══════════════════════════════╗\n║            SEAM               ║\n╚═══════════════════════════════╝"))
	s.WriteString("\n\n")

	s.WriteString("  Username:\n")
	s.WriteString("  " + m.usernameInput.View() + "\n\n")

	if m.loginError != "" {
		s.WriteString(errorStyle.Render("  " + m.loginError + "\n\n"))
	}
	if m.loggingIn {
		s.WriteString(mutedStyle.Render("  Signing in...\n\n"))
	}

	s.WriteString(helpStyle.Render("  Enter to sign in • q to quit\n"))

	if !m.connected {
		s.WriteString(mutedStyle.Render("\n  Connecting to server..."))
	}

	return s.String()
}

func (m model) conversationsView() string {
	var s strings.Builder

	username := ""
	if m.snap.Me != nil {
		username = m.snap.Me.Username
	}
	s.WriteString(titleStyle.Render(fmt.Sprintf("SEAM - %s", username)))
	s.WriteString("\n\n")

	if len(m.snap.Conversations) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
		s.WriteString(mutedStyle.Render("  Press 'n' to start a new one.\n"))
	} else {
		for i, conv := range m.snap.Conversations {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedConv {
				prefix = "→ "
				style = selectedStyle
			}

			dot := mutedStyle.Render("○")
			if conv.PartnerOnline {
				dot = onlineStyle.Render("●")
			}

			line := fmt.Sprintf("%s%s %s", prefix, dot, conv.Title)
			if conv.Typing {
				line += mutedStyle.Render(" typing…")
			}
			s.WriteString(style.Render(line))
			if conv.Unread > 0 {
				s.WriteString(badgeStyle.Render(fmt.Sprintf("  (%d)", conv.Unread)))
			}
			s.WriteString("\n")
		}
	}

	if len(m.snap.Online) > 0 {
		names := make([]string, 0, len(m.snap.Online))
		for _, u := range m.snap.Online {
			names = append(names, u.Username)
		}
		s.WriteString(mutedStyle.Render(fmt.Sprintf("\n  Online: %s\n", strings.Join(names, ", "))))
	}

	if m.statusError != "" {
		s.WriteString(errorStyle.Render("\n  " + m.statusError + "\n"))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • n for new • q to quit"))

	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	title := m.snap.ActiveID
	typing := false
	online := false
	if av := m.activeView(); av != nil {
		title = av.Title
		typing = av.Typing
		online = av.PartnerOnline
	}

	header := fmt.Sprintf("💬 %s", title)
	if online {
		header += " " + onlineStyle.Render("●")
	}
	s.WriteString(titleStyle.Render(header))
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 1)))
	s.WriteString("\n")

	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	if typing {
		s.WriteString(mutedStyle.Render(fmt.Sprintf("%s is typing…", title)))
	}
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 1)))
	s.WriteString("\n")
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Enter to send • Esc to go back"))

	return s.String()
}

func (m model) newDirectView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("New Conversation"))
	s.WriteString("\n\n")

	s.WriteString("  Username:\n")
	s.WriteString("  " + m.directInput.View() + "\n\n")

	if len(m.snap.Online) > 0 {
		s.WriteString(mutedStyle.Render("  Online now:\n"))
		for _, u := range m.snap.Online {
			s.WriteString(fmt.Sprintf("    %s %s\n", onlineStyle.Render("●"), u.Username))
		}
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("  Enter to open • Esc to cancel"))

	return s.String()
}

// --- Main ---

func main() {
	profile := session.Load("default")

	serverURL := os.Getenv("SEAM_SERVER")
	if serverURL == "" && profile != nil {
		serverURL = profile.ServerURL
	}
	if serverURL == "" {
		serverURL = "http://localhost:3567"
	}

	username := ""
	if profile != nil {
		username = profile.Username
	}

	p := tea.NewProgram(initialModel(serverURL, username), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
