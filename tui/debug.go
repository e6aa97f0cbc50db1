package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// DebugTab displays the log store.
type DebugTab struct {
	app       *App
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewDebugTab creates a new debug tab.
func NewDebugTab(app *App) *DebugTab {
	t := &DebugTab{app: app}
	t.setupUI()
	return t
}

func (t *DebugTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.buttonBar.SetText(hotkeys("c", "clear", "g", "top", "G", "bottom", "?", "help", "Shift+Tab", "next tab"))

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	t.logView.SetBorder(true).SetTitle(" Log ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c':
			t.app.logs.Clear()
			t.Refresh()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func levelTag(level string) string {
	th := CurrentTheme
	switch level {
	case "":
		return ""
	case "ERROR":
		return th.TagError + level + ":" + th.TagReset + " "
	default:
		return th.TagAccent + level + ":" + th.TagReset + " "
	}
}

// renderLog formats messages for the log view.
func renderLog(msgs []LogMessage) string {
	th := CurrentTheme
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(th.TagTextDim + m.Timestamp.Format("15:04:05.000") + th.TagReset + " ")
		b.WriteString(levelTag(m.Level))
		b.WriteString(tview.Escape(m.Message))
		b.WriteByte('\n')
	}
	return b.String()
}

// GetPrimitive returns the main primitive for this tab.
func (t *DebugTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *DebugTab) GetFocusable() tview.Primitive {
	return t.logView
}

// Refresh redraws the log. Must run on the UI goroutine.
func (t *DebugTab) Refresh() {
	msgs := t.app.logs.GetMessages()
	t.logView.SetText(renderLog(msgs))
	t.logView.ScrollToEnd()
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", len(msgs), t.app.logs.maxLines))
}
