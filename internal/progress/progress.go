// Package progress renders pipeline progress: a bubbletea live display
// for interactive terminals and a plain slog fallback for everything
// else.
package progress

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/devyukine/rom-converto/lib/ctr/pipeline"
)

type updateKind int

const (
	runStarted updateKind = iota
	contentStarted
	bytesWritten
	contentFinished
	runDone
)

type update struct {
	kind updateKind

	contents   int
	totalBytes int64

	id    uint32
	index uint16
	size  int64

	n   int64
	err error
}

// Styles
var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// UI owns the bubbletea program and the channel-backed reporter that
// feeds it.
type UI struct {
	ch   chan update
	prog *tea.Program
	done chan struct{}

	// pending accumulates coalesced progress ticks; touched only from
	// the pipeline goroutine.
	pending int64
}

// Start launches the live display.
func Start() *UI {
	ui := &UI{
		ch:   make(chan update, 64),
		done: make(chan struct{}),
	}
	ui.prog = tea.NewProgram(newModel(ui.ch))
	go func() {
		defer close(ui.done)
		if _, err := ui.prog.Run(); err != nil {
			slog.Warn("progress display failed", "err", err)
		}
	}()
	return ui
}

// Reporter returns the pipeline-facing reporter.
func (ui *UI) Reporter() pipeline.Reporter { return (*teaReporter)(ui) }

// Wait blocks until the display has drained and exited.
func (ui *UI) Wait() { <-ui.done }

// teaReporter bridges pipeline callbacks onto the update channel.
type teaReporter UI

func (r *teaReporter) Start(contents int, totalBytes int64) {
	r.ch <- update{kind: runStarted, contents: contents, totalBytes: totalBytes}
}

func (r *teaReporter) StartContent(id uint32, index uint16, size int64) {
	r.ch <- update{kind: contentStarted, id: id, index: index, size: size}
}

func (r *teaReporter) Progress(n int64) {
	// Coalesce: when the channel is full, add the tick to pending (sent by
	// FinishContent) rather than block the pipeline.
	select {
	case r.ch <- update{kind: bytesWritten, n: n}:
	default:
		(*UI)(r).pending += n
	}
}

func (r *teaReporter) FinishContent(err error) {
	if p := (*UI)(r).pending; p > 0 {
		(*UI)(r).pending = 0
		r.ch <- update{kind: bytesWritten, n: p}
	}
	r.ch <- update{kind: contentFinished, err: err}
}

func (r *teaReporter) Done() {
	r.ch <- update{kind: runDone}
	close(r.ch)
}

type model struct {
	spinner  spinner.Model
	progress progress.Model
	ch       <-chan update

	totalContents int
	totalBytes    int64
	writtenBytes  int64
	processed     int

	current     string
	currentSize int64
	currentDone int64
	startTime   time.Time
	quitting    bool
}

func newModel(ch <-chan update) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return model{
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient()),
		ch:        ch,
		startTime: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdate(m.ch))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case update:
		return m.handleUpdate(msg)

	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handleUpdate(u update) (tea.Model, tea.Cmd) {
	switch u.kind {
	case runStarted:
		m.totalContents = u.contents
		m.totalBytes = u.totalBytes

	case contentStarted:
		m.current = fmt.Sprintf("%08x (index %d)", u.id, u.index)
		m.currentSize = u.size
		m.currentDone = 0

	case bytesWritten:
		m.writtenBytes += u.n
		m.currentDone += u.n

	case contentFinished:
		m.processed++
		var line string
		if u.err != nil {
			line = fmt.Sprintf(" %s  %-24s %s",
				errorStyle.Render("!"), m.current, errorStyle.Render(truncate(u.err.Error(), 40)))
		} else {
			line = fmt.Sprintf(" %s  %-24s %s",
				doneStyle.Render("✓"), m.current, dimStyle.Render(formatBytes(m.currentSize)))
		}
		m.current = ""
		return m, tea.Batch(tea.Println(line), waitForUpdate(m.ch))

	case runDone:
		return m, tea.Quit
	}
	return m, waitForUpdate(m.ch)
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	if m.current != "" {
		b.WriteString(fmt.Sprintf(" %s %-24s %s\n",
			m.spinner.View(), m.current,
			dimStyle.Render(fmt.Sprintf("%s / %s", formatBytes(m.currentDone), formatBytes(m.currentSize)))))
	}

	var pct float64
	if m.totalBytes > 0 {
		pct = float64(m.writtenBytes) / float64(m.totalBytes)
	}
	b.WriteString(" ")
	b.WriteString(m.progress.ViewAs(pct))
	elapsed := time.Since(m.startTime).Round(time.Second)
	b.WriteString(fmt.Sprintf("  %d/%d contents  %s\n", m.processed, m.totalContents, dimStyle.Render(elapsed.String())))
	return b.String()
}

type doneMsg struct{}

func waitForUpdate(ch <-chan update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return u
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// LogReporter reports progress through slog for non-interactive runs.
type LogReporter struct {
	current string
}

// NewLogReporter creates the plain fallback reporter.
func NewLogReporter() *LogReporter { return &LogReporter{} }

func (r *LogReporter) Start(contents int, totalBytes int64) {
	slog.Info("processing contents", "count", contents, "bytes", totalBytes)
}

func (r *LogReporter) StartContent(id uint32, index uint16, size int64) {
	r.current = fmt.Sprintf("%08x", id)
	slog.Info("content start", "content", r.current, "index", index, "bytes", size)
}

func (r *LogReporter) Progress(int64) {}

func (r *LogReporter) FinishContent(err error) {
	if err != nil {
		slog.Error("content failed", "content", r.current, "err", err)
		return
	}
	slog.Info("content done", "content", r.current)
}

func (r *LogReporter) Done() {}
