package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"winglink/api"
	"winglink/consoleman"
	"winglink/engine"
)

// ConsolesTab lists the managed consoles.
type ConsolesTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewConsolesTab creates the consoles tab.
func NewConsolesTab(app *App) *ConsolesTab {
	t := &ConsolesTab{app: app}
	t.setupUI()
	return t
}

func (t *ConsolesTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.buttonBar.SetText(hotkeys("d", "discover", "a", "add", "x", "remove", "c", "connect", "C", "disconnect"))

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	t.table.SetSelectedFunc(func(row, _ int) {
		if name := t.selected(); name != "" {
			t.app.nodesTab.SetConsole(name)
			t.app.switchToTab(1)
		}
	})
	setHeaders(t.table, "", "Name", "Address", "Session", "Nodes", "Status")
	t.table.SetBorder(true).SetTitle(" Consoles ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.table, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *ConsolesTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'd':
		t.discover()
		return nil
	case 'a':
		t.showAddDialog()
		return nil
	case 'x':
		t.removeSelected()
		return nil
	case 'c':
		if name := t.selected(); name != "" {
			t.app.background("Connect "+name, func() error { return t.app.engine.ConnectConsole(name) })
		}
		return nil
	case 'C':
		if name := t.selected(); name != "" {
			t.app.background("Disconnect "+name, func() error { return t.app.engine.DisconnectConsole(name) })
		}
		return nil
	}
	return event
}

// selected returns the console name on the selected row.
func (t *ConsolesTab) selected() string {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.table.GetCell(row, 1)
	if cell == nil {
		return ""
	}
	name, _ := cell.GetReference().(string)
	return name
}

func statusIndicator(s consoleman.ConnectionStatus) string {
	switch s {
	case consoleman.StatusConnected:
		return StatusIndicatorConnected
	case consoleman.StatusConnecting:
		return StatusIndicatorConnecting
	case consoleman.StatusError:
		return StatusIndicatorError
	default:
		return StatusIndicatorDisconnected
	}
}

// Refresh rebuilds the table from the console manager.
func (t *ConsolesTab) Refresh() {
	selected := t.selected()
	clearRows(t.table)

	consoles := t.app.engine.GetConsoleMgr().ListConsoles()
	sort.Slice(consoles, func(i, j int) bool {
		return consoles[i].Settings().Name < consoles[j].Settings().Name
	})

	connected := 0
	for i, c := range consoles {
		cfg := c.Settings()
		status := c.GetStatus()
		if status == consoleman.StatusConnected {
			connected++
		}
		addr := cfg.Address
		if cfg.Port > 0 {
			addr += ":" + strconv.Itoa(cfg.Port)
		}
		nodes := "all"
		if n := len(cfg.Nodes); n > 0 {
			nodes = strconv.Itoa(n)
		}
		statusText := status.String()
		if err := c.GetError(); err != nil {
			statusText += ": " + err.Error()
		}
		if !cfg.Enabled {
			statusText += " (paused)"
		}

		row := i + 1
		t.table.SetCell(row, 0, tview.NewTableCell(statusIndicator(status)))
		t.table.SetCell(row, 1, tview.NewTableCell(tview.Escape(cfg.Name)).SetReference(cfg.Name).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 2, tview.NewTableCell(addr).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 3, tview.NewTableCell(c.SessionID()).SetTextColor(CurrentTheme.TextDim))
		t.table.SetCell(row, 4, tview.NewTableCell(nodes).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 5, tview.NewTableCell(tview.Escape(statusText)).SetTextColor(CurrentTheme.Text))
		if cfg.Name == selected {
			t.table.Select(row, 0)
		}
	}
	t.statusBar.SetText(fmt.Sprintf(" %d consoles configured, %d connected", len(consoles), connected))
}

func (t *ConsolesTab) discover() {
	t.app.setStatus("Discovering consoles...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), api.DiscoverTimeout)
		defer cancel()
		records, err := t.app.engine.Discover(ctx, 0, false)
		added := 0
		if err == nil {
			added = t.app.engine.AddDiscovered(records)
		}
		t.app.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.showError("Discovery failed", err.Error())
				return
			}
			t.app.setStatus(fmt.Sprintf("Found %d console(s), added %d", len(records), added))
			t.Refresh()
		})
	}()
}

func (t *ConsolesTab) showAddDialog() {
	const pageName = "add-console"
	form := tview.NewForm()
	form.AddInputField("Name", "", 24, nil, nil)
	form.AddInputField("Address", "", 24, nil, nil)
	form.AddInputField("Port", "", 6, acceptDigits, nil)
	form.AddCheckbox("Enabled", true, nil)
	form.AddButton("Add", func() {
		port, _ := strconv.Atoi(form.GetFormItemByLabel("Port").(*tview.InputField).GetText())
		req := engine.ConsoleCreateRequest{
			Name:    form.GetFormItemByLabel("Name").(*tview.InputField).GetText(),
			Address: form.GetFormItemByLabel("Address").(*tview.InputField).GetText(),
			Port:    port,
			Enabled: form.GetFormItemByLabel("Enabled").(*tview.Checkbox).IsChecked(),
		}
		if err := t.app.engine.CreateConsole(req); err != nil {
			t.app.showError("Add console", err.Error())
			return
		}
		t.app.closeModal(pageName)
		t.Refresh()
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })
	form.SetBorder(true).SetTitle(" Add Console ")
	t.app.showFormModal(pageName, form, 50, 13, func() { t.app.closeModal(pageName) })
}

func (t *ConsolesTab) removeSelected() {
	name := t.selected()
	if name == "" {
		return
	}
	t.app.showConfirm("Remove console", fmt.Sprintf("Remove '%s' from the configuration?", name), func() {
		if err := t.app.engine.DeleteConsole(name); err != nil {
			t.app.showError("Remove console", err.Error())
			return
		}
		t.Refresh()
	})
}

// GetPrimitive returns the main primitive for this tab.
func (t *ConsolesTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *ConsolesTab) GetFocusable() tview.Primitive {
	return t.table
}
