package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"invnotify/internal/notify"
	"invnotify/internal/transport"
)

var (
	colorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	colorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	colorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	colorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	colorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	colorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
)

var badgeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorWhite).
	Padding(0, 1)

var toastStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder())

var dimStyle = lipgloss.NewStyle().Foreground(colorGray)

// statusLabel is the indicator text for a connection status
func statusLabel(s transport.Status) string {
	switch s {
	case transport.StatusConnected:
		return "Live"
	case transport.StatusConnecting:
		return "Connecting…"
	case transport.StatusError:
		return "Error"
	default:
		return "Offline"
	}
}

func statusBadge(s transport.Status) string {
	color := colorGray
	switch s {
	case transport.StatusConnected:
		color = colorGreen
	case transport.StatusConnecting:
		color = colorYellow
	case transport.StatusError:
		color = colorRed
	}
	return badgeStyle.Background(color).Render(statusLabel(s))
}

func priorityColor(p notify.Priority) lipgloss.AdaptiveColor {
	switch p {
	case notify.PriorityCritical:
		return colorRed
	case notify.PriorityHigh:
		return colorOrange
	case notify.PriorityMedium:
		return colorYellow
	default:
		return colorGray
	}
}

func renderNotification(n notify.Notification) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(priorityColor(n.Priority)).Render(n.Title)
	line := fmt.Sprintf("#%d %s", n.ID, title)
	if n.Message != "" {
		line += " " + n.Message
	}
	if n.Status == notify.StatusRead {
		line += " " + dimStyle.Render("(read)")
	}
	return line
}

// terminalNotifier renders notifier side effects on a terminal
type terminalNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalNotifier(out io.Writer) *terminalNotifier {
	return &terminalNotifier{out: out}
}

func (t *terminalNotifier) print(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

func (t *terminalNotifier) RequestPermission() {}

func (t *terminalNotifier) PlayAlert() {
	t.print("\a")
}

func (t *terminalNotifier) ShowToast(n notify.Notification) {
	t.print(toastStyle.BorderForeground(priorityColor(n.Priority)).Render(renderNotification(n)))
}

func (t *terminalNotifier) ShowNative(n notify.Notification) {
	t.print(badgeStyle.Background(colorRed).Render("CRITICAL") + " " + renderNotification(n))
}
