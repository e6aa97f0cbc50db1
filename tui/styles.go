// Package tui provides the terminal interface for winglink.
package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Theme holds the colors and tview color tags used by every tab.
type Theme struct {
	Text    tcell.Color
	TextDim tcell.Color
	Accent  tcell.Color
	Border  tcell.Color
	Select  tcell.Color

	TagAccent     string
	TagTextDim    string
	TagError      string
	TagSuccess    string
	TagPrimary    string
	TagHotkey     string
	TagActionText string
	TagReset      string
}

// CurrentTheme is the active theme.
var CurrentTheme = Theme{
	Text:    tcell.ColorWhite,
	TextDim: tcell.ColorGray,
	Accent:  tcell.ColorYellow,
	Border:  tcell.ColorBlue,
	Select:  tcell.ColorDarkBlue,

	TagAccent:     "[yellow]",
	TagTextDim:    "[gray]",
	TagError:      "[red]",
	TagSuccess:    "[green]",
	TagPrimary:    "[blue]",
	TagHotkey:     "[yellow::b]",
	TagActionText: "[white::-]",
	TagReset:      "[-::-]",
}

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// Tab labels
const (
	TabConsoles = "Consoles"
	TabNodes    = "Nodes"
	TabServices = "Services"
	TabDebug    = "Debug"
)

// ApplyTableTheme styles a selectable table.
func ApplyTableTheme(t *tview.Table) {
	t.SetSelectedStyle(tcell.StyleDefault.Background(CurrentTheme.Select).Foreground(CurrentTheme.Text))
}

// setHeaders writes a bold header row.
func setHeaders(t *tview.Table, headers ...string) {
	for i, h := range headers {
		t.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
}

// clearRows removes every row below the header.
func clearRows(t *tview.Table) {
	for t.GetRowCount() > 1 {
		t.RemoveRow(1)
	}
}

// hotkeys renders a button bar from key/label pairs.
func hotkeys(pairs ...string) string {
	th := CurrentTheme
	text := " "
	for i := 0; i+1 < len(pairs); i += 2 {
		text += th.TagHotkey + pairs[i] + th.TagActionText + " " + pairs[i+1] + "  "
	}
	return text + th.TagReset
}

// acceptDigits is a validation function for numeric input fields.
func acceptDigits(text string, lastChar rune) bool {
	for _, c := range text {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HelpText lists the keyboard shortcuts.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch tabs
   Tab          Move between fields
   Enter        Select / Activate
   Escape       Close dialog / Back
   ?            Show this help

 Consoles Tab
   d            Discover and add consoles
   a            Add console
   x            Remove selected
   c            Connect
   C            Disconnect

 Nodes Tab
   p            Choose console
   Enter        Set selected node
   f            Refresh selected node

 Services Tab
   s            Start / connect selected
   S            Stop / disconnect selected
   p            Publish all values

 Application
   Q            Quit
`
