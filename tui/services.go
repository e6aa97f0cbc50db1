package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"winglink/kafka"
)

const (
	serviceMQTT   = "MQTT"
	serviceValkey = "Valkey"
	serviceKafka  = "Kafka"
)

type serviceRef struct {
	kind string
	name string
}

// ServicesTab lists the MQTT brokers, Valkey servers and Kafka clusters.
type ServicesTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewServicesTab creates the services tab.
func NewServicesTab(app *App) *ServicesTab {
	t := &ServicesTab{app: app}
	t.setupUI()
	return t
}

func (t *ServicesTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.buttonBar.SetText(hotkeys("s", "start", "S", "stop", "p", "publish all"))

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	setHeaders(t.table, "", "Kind", "Name", "Address", "Status")
	t.table.SetBorder(true).SetTitle(" Services ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.table, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *ServicesTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 's':
		if ref, ok := t.selected(); ok {
			t.app.background("Start "+ref.name, func() error { return t.start(ref) })
		}
		return nil
	case 'S':
		if ref, ok := t.selected(); ok {
			t.app.background("Stop "+ref.name, func() error { return t.stop(ref) })
		}
		return nil
	case 'p':
		t.app.background("Publish all", func() error {
			t.app.engine.ForcePublishAll()
			return nil
		})
		return nil
	}
	return event
}

func (t *ServicesTab) start(ref serviceRef) error {
	switch ref.kind {
	case serviceMQTT:
		return t.app.engine.StartMQTT(ref.name)
	case serviceValkey:
		return t.app.engine.StartValkey(ref.name)
	default:
		return t.app.engine.ConnectKafka(ref.name)
	}
}

func (t *ServicesTab) stop(ref serviceRef) error {
	switch ref.kind {
	case serviceMQTT:
		return t.app.engine.StopMQTT(ref.name)
	case serviceValkey:
		return t.app.engine.StopValkey(ref.name)
	default:
		return t.app.engine.DisconnectKafka(ref.name)
	}
}

func (t *ServicesTab) selected() (serviceRef, bool) {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return serviceRef{}, false
	}
	cell := t.table.GetCell(row, 2)
	if cell == nil {
		return serviceRef{}, false
	}
	ref, ok := cell.GetReference().(serviceRef)
	return ref, ok
}

func runningIndicator(running bool) (string, string) {
	if running {
		return StatusIndicatorConnected, "Running"
	}
	return StatusIndicatorDisconnected, "Stopped"
}

func kafkaIndicator(s kafka.ConnectionStatus) string {
	switch s {
	case kafka.StatusConnected:
		return StatusIndicatorConnected
	case kafka.StatusConnecting:
		return StatusIndicatorConnecting
	case kafka.StatusError:
		return StatusIndicatorError
	default:
		return StatusIndicatorDisconnected
	}
}

// Refresh rebuilds the table from the service managers.
func (t *ServicesTab) Refresh() {
	prev, _ := t.selected()
	clearRows(t.table)

	row := 1
	add := func(ref serviceRef, indicator, address, status string) {
		t.table.SetCell(row, 0, tview.NewTableCell(indicator))
		t.table.SetCell(row, 1, tview.NewTableCell(ref.kind).SetTextColor(CurrentTheme.TextDim))
		t.table.SetCell(row, 2, tview.NewTableCell(tview.Escape(ref.name)).SetReference(ref).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 3, tview.NewTableCell(tview.Escape(address)).SetTextColor(CurrentTheme.Text))
		t.table.SetCell(row, 4, tview.NewTableCell(tview.Escape(status)).SetTextColor(CurrentTheme.Text))
		if ref == prev {
			t.table.Select(row, 0)
		}
		row++
	}

	eng := t.app.engine
	for _, p := range eng.GetMQTTMgr().List() {
		ind, status := runningIndicator(p.IsRunning())
		add(serviceRef{serviceMQTT, p.Name()}, ind, p.Address(), status)
	}
	for _, p := range eng.GetValkeyMgr().List() {
		ind, status := runningIndicator(p.IsRunning())
		add(serviceRef{serviceValkey, p.Config().Name}, ind, p.Address(), status)
	}
	km := eng.GetKafkaMgr()
	for _, name := range km.ListClusters() {
		st, err := km.GetClusterStatus(name)
		status := st.String()
		if err != nil {
			status += ": " + err.Error()
		}
		address := ""
		if p := km.GetProducer(name); p != nil {
			address = strings.Join(p.Config().Brokers, ",")
		}
		add(serviceRef{serviceKafka, name}, kafkaIndicator(st), address, status)
	}

	cfg := eng.GetConfig()
	cfg.Lock()
	ns := cfg.Namespace
	cfg.Unlock()
	t.statusBar.SetText(fmt.Sprintf(" %d services, namespace %s", row-1, ns))
}

// GetPrimitive returns the main primitive for this tab.
func (t *ServicesTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *ServicesTab) GetFocusable() tview.Primitive {
	return t.table
}
