package tui

import (
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"winglink/engine"
)

// App is the main TUI application.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	tabs      *tview.TextView
	statusBar *tview.TextView

	consolesTab *ConsolesTab
	nodesTab    *NodesTab
	servicesTab *ServicesTab
	debugTab    *DebugTab

	engine     *engine.Engine
	logs       *LogStore
	apiAddress string

	currentTab int
	tabNames   []string

	eventsID engine.SubscriptionID
	logID    LogListenerID

	// dirty is set by event callbacks and drained by the refresh loop.
	dirtyMu sync.Mutex
	dirty   bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewApp creates a TUI for eng. apiAddress is shown in the status bar when
// non-empty.
func NewApp(eng *engine.Engine, logs *LogStore, apiAddress string) *App {
	return newApp(tview.NewApplication(), eng, logs, apiAddress)
}

// NewAppWithScreen creates a TUI drawing on screen, as the SSH server does
// for each session.
func NewAppWithScreen(eng *engine.Engine, logs *LogStore, apiAddress string, screen tcell.Screen) *App {
	return newApp(tview.NewApplication().SetScreen(screen), eng, logs, apiAddress)
}

func newApp(app *tview.Application, eng *engine.Engine, logs *LogStore, apiAddress string) *App {
	if logs == nil {
		logs = NewLogStore(1000)
	}
	a := &App{
		app:        app,
		engine:     eng,
		logs:       logs,
		apiAddress: apiAddress,
		tabNames:   []string{TabConsoles, TabNodes, TabServices, TabDebug},
		stopChan:   make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetTextColor(CurrentTheme.Text)

	a.pages = tview.NewPages()

	a.consolesTab = NewConsolesTab(a)
	a.nodesTab = NewNodesTab(a)
	a.servicesTab = NewServicesTab(a)
	a.debugTab = NewDebugTab(a)

	a.pages.AddPage(TabConsoles, a.consolesTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabNodes, a.nodesTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabServices, a.servicesTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	if a.apiAddress != "" {
		a.setStatus("REST API at " + a.apiAddress + "/api/  Press ? for help.")
	} else {
		a.setStatus("Ready. Press ? for help.")
	}
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals and forms get every key.
	if front, _ := a.pages.GetFrontPage(); !a.isMainTab(front) {
		return event
	}

	switch {
	case event.Rune() == 'Q':
		a.Stop()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.nextTab()
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	}
	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.refreshCurrent()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.currentTab {
	case 0:
		a.app.SetFocus(a.consolesTab.GetFocusable())
	case 1:
		a.app.SetFocus(a.nodesTab.GetFocusable())
	case 2:
		a.app.SetFocus(a.servicesTab.GetFocusable())
	case 3:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			text += "[yellow::b]" + name + "[-::-]"
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) showHelp() {
	const pageName = "help"
	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, textView, 45, 34)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("error")
			a.focusCurrentTab()
		})
	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, _ string) {
			a.pages.RemovePage("confirm")
			if buttonIndex == 0 {
				onConfirm()
			}
			a.focusCurrentTab()
		})
	a.pages.AddPage("confirm", modal, true, true)
}

// showCenteredModal displays content centered on the screen and focuses it.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

// showFormModal displays a form in a centered modal. Escape calls onEscape.
func (a *App) showFormModal(pageName string, form *tview.Form, width, height int, onEscape func()) {
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			if onEscape != nil {
				onEscape()
			}
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, form, width, height)
}

func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

// background runs fn off the UI goroutine and reports its error.
func (a *App) background(action string, fn func() error) {
	go func() {
		err := fn()
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.logs.Log("ERROR", "%s: %v", action, err)
				a.setStatus(action + " failed: " + err.Error())
			} else {
				a.setStatus(action + " done")
			}
			a.refreshCurrent()
		})
	}()
}

func (a *App) markDirty() {
	a.dirtyMu.Lock()
	a.dirty = true
	a.dirtyMu.Unlock()
}

func (a *App) takeDirty() bool {
	a.dirtyMu.Lock()
	defer a.dirtyMu.Unlock()
	d := a.dirty
	a.dirty = false
	return d
}

// refreshCurrent redraws the visible tab. Must run on the UI goroutine.
func (a *App) refreshCurrent() {
	switch a.currentTab {
	case 0:
		a.consolesTab.Refresh()
	case 1:
		a.nodesTab.Refresh()
	case 2:
		a.servicesTab.Refresh()
	case 3:
		a.debugTab.Refresh()
	}
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	a.eventsID = a.engine.Events.Subscribe(func(engine.Event) { a.markDirty() })
	a.logID = a.logs.Subscribe(func(LogMessage) { a.markDirty() })

	a.consolesTab.Refresh()
	go a.periodicRefresh()

	err := a.app.Run()
	a.Stop()
	return err
}

// periodicRefresh redraws the visible tab when something changed. Modals
// are left alone so form input is not disturbed.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if !a.takeDirty() {
				continue
			}
			a.app.QueueUpdateDraw(func() {
				if front, _ := a.pages.GetFrontPage(); a.isMainTab(front) {
					a.refreshCurrent()
				}
			})
		}
	}
}

// Stop unsubscribes from the engine and halts the UI. It does not stop the
// engine.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.engine.Events.Unsubscribe(a.eventsID)
		a.logs.Unsubscribe(a.logID)
		a.app.Stop()
	})
}
