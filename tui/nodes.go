package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"winglink/consoleman"
)

// NodesTab shows the mirrored node values of one console.
type NodesTab struct {
	app       *App
	flex      *tview.Flex
	consoles  *tview.DropDown
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView

	console string
	names   []string
}

// NewNodesTab creates the nodes tab.
func NewNodesTab(app *App) *NodesTab {
	t := &NodesTab{app: app}
	t.setupUI()
	return t
}

func (t *NodesTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.buttonBar.SetText(hotkeys("p", "choose console", "Enter", "set", "f", "refresh"))

	t.consoles = tview.NewDropDown().
		SetLabel(" Console: ").
		SetFieldWidth(24)
	t.consoles.SetDoneFunc(func(tcell.Key) { t.app.app.SetFocus(t.table) })

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	t.table.SetSelectedFunc(func(int, int) { t.showSetDialog() })
	setHeaders(t.table, "Node", "Path", "Type", "Value", "Unit", "Updated")
	t.table.SetBorder(true).SetTitle(" Nodes ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.consoles, 1, 0, false).
		AddItem(t.table, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *NodesTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'p':
		t.app.app.SetFocus(t.consoles)
		return nil
	case 'f':
		if node := t.selected(); node != "" {
			console := t.console
			t.app.background("Refresh "+node, func() error { return t.app.engine.RefreshNode(console, node) })
		}
		return nil
	}
	return event
}

// SetConsole shows the nodes of console.
func (t *NodesTab) SetConsole(name string) {
	t.console = name
	t.Refresh()
}

func (t *NodesTab) selected() string {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.table.GetCell(row, 0)
	if cell == nil {
		return ""
	}
	name, _ := cell.GetReference().(string)
	return name
}

// updateConsoleList keeps the dropdown options in step with the manager.
func (t *NodesTab) updateConsoleList() {
	var names []string
	for _, c := range t.app.engine.GetConsoleMgr().ListConsoles() {
		names = append(names, c.Settings().Name)
	}
	sort.Strings(names)

	if t.console == "" && len(names) > 0 {
		t.console = names[0]
	}
	if strings.Join(names, "\x00") == strings.Join(t.names, "\x00") {
		return
	}
	t.names = names
	t.consoles.SetOptions(names, func(text string, _ int) {
		if text != t.console {
			t.console = text
			t.Refresh()
		}
	})
	for i, n := range names {
		if n == t.console {
			t.consoles.SetCurrentOption(i)
		}
	}
}

// Refresh rebuilds the table for the selected console.
func (t *NodesTab) Refresh() {
	t.updateConsoleList()
	selected := t.selected()
	clearRows(t.table)

	var values []consoleman.ValueChange
	for _, v := range t.app.engine.GetConsoleMgr().GetAllCurrentValues() {
		if v.Console == t.console {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Node < values[j].Node })

	for i, v := range values {
		row := i + 1
		updated := ""
		if !v.Timestamp.IsZero() {
			updated = v.Timestamp.Format("15:04:05")
		}
		t.table.SetCell(row, 0, tview.NewTableCell(tview.Escape(v.Node)).SetReference(v.Node).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 1, tview.NewTableCell(tview.Escape(v.Path)).SetTextColor(CurrentTheme.TextDim))
		t.table.SetCell(row, 2, tview.NewTableCell(v.Type).SetTextColor(CurrentTheme.TextDim))
		t.table.SetCell(row, 3, tview.NewTableCell(tview.Escape(formatValue(v.Value))).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 4, tview.NewTableCell(tview.Escape(v.Unit)).SetTextColor(CurrentTheme.TextDim))
		t.table.SetCell(row, 5, tview.NewTableCell(updated).SetTextColor(CurrentTheme.TextDim))
		if v.Node == selected {
			t.table.Select(row, 0)
		}
	}

	if t.console == "" {
		t.statusBar.SetText(" No consoles configured")
		return
	}
	t.statusBar.SetText(fmt.Sprintf(" %s: %d nodes", t.console, len(values)))
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float32:
		return strconv.FormatFloat(float64(x), 'g', 6, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', 6, 64)
	case string:
		return strconv.Quote(x)
	}
	return fmt.Sprint(v)
}

// parseValue turns form input into a value for SetNode. Numbers become
// float64 and quoted text is unquoted; anything else is sent as a string.
func parseValue(text string) interface{} {
	text = strings.TrimSpace(text)
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	if s, err := strconv.Unquote(text); err == nil {
		return s
	}
	return text
}

func (t *NodesTab) showSetDialog() {
	const pageName = "set-node"
	node := t.selected()
	if node == "" || t.console == "" {
		return
	}
	console := t.console

	current := ""
	if row, _ := t.table.GetSelection(); row > 0 {
		current = t.table.GetCell(row, 3).Text
	}

	form := tview.NewForm()
	form.AddInputField("Value", current, 30, nil, nil)
	form.AddButton("Set", func() {
		value := parseValue(form.GetFormItemByLabel("Value").(*tview.InputField).GetText())
		t.app.closeModal(pageName)
		t.app.background("Set "+node, func() error { return t.app.engine.SetNode(console, node, value) })
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })
	form.SetBorder(true).SetTitle(" Set " + tview.Escape(node) + " ")
	t.app.showFormModal(pageName, form, 50, 7, func() { t.app.closeModal(pageName) })
}

// GetPrimitive returns the main primitive for this tab.
func (t *NodesTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *NodesTab) GetFocusable() tview.Primitive {
	return t.table
}
