package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentnet/internal/api"
	"agentnet/internal/domain"
)

const requestTimeout = 5 * time.Second

type monitor struct {
	client *api.Client
	addr   string
	every  time.Duration

	app     *tview.Application
	tasks   *tview.Table
	steps   *tview.TextView
	agents  *tview.TextView
	journal *tview.TextView
	input   *tview.InputField
	footer  *tview.TextView

	mu       sync.Mutex
	selected string
	listed   []domain.TaskSnapshot

	// generation discards detail fetches superseded by a newer selection.
	generation atomic.Uint64
}

func newMonitor(client *api.Client, addr string, every time.Duration) *monitor {
	m := &monitor{client: client, addr: addr, every: every, app: tview.NewApplication()}

	m.tasks = tview.NewTable().SetSelectable(true, false)
	m.tasks.SetBorder(true).SetTitle(" Tasks  [Enter] inspect  [Ctrl+X] cancel ")

	m.steps = textPane(" Steps ")
	m.agents = textPane(" Agents / Bus ")
	m.journal = textPane(" Decisions ")

	m.input = tview.NewInputField().SetLabel("task> ")
	m.input.SetBorder(true).SetTitle(" Definition path or prompt, Enter submits ")

	m.footer = tview.NewTextView().SetDynamicColors(true)
	m.footer.SetBorder(true)
	m.footer.SetText(fmt.Sprintf("%s | F5 refresh  F10 quit  Ctrl+L input  Ctrl+T tasks", addr))

	m.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			m.submit(m.input.GetText())
		}
	})
	m.tasks.SetSelectedFunc(func(row, _ int) {
		m.mu.Lock()
		if row < 1 || row > len(m.listed) {
			m.mu.Unlock()
			return
		}
		id := m.listed[row-1].TaskID
		m.selected = id
		m.mu.Unlock()
		m.loadDetails(id)
	})
	m.app.SetInputCapture(m.handleKey)
	return m
}

func textPane(title string) *tview.TextView {
	v := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	v.SetBorder(true).SetTitle(title)
	return v
}

func (m *monitor) layout() tview.Primitive {
	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(m.tasks, 0, 3, false).
		AddItem(m.agents, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(m.steps, 0, 3, false).
		AddItem(m.journal, 0, 2, false)
	body := tview.NewFlex().
		AddItem(left, 0, 2, false).
		AddItem(right, 0, 3, false)
	return tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(m.input, 3, 0, true).
		AddItem(m.footer, 3, 0, false)
}

func (m *monitor) run() error {
	go m.poll()
	return m.app.SetRoot(m.layout(), true).EnableMouse(true).SetFocus(m.input).Run()
}

func (m *monitor) poll() {
	m.refresh()
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for range ticker.C {
		m.refresh()
	}
}

// refresh reloads the task list and dashboard, then the selected task.
// With nothing selected, the first non-terminal task is picked.
func (m *monitor) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	listed, listErr := m.client.List(ctx, "")
	dash, dashErr := m.client.Dashboard(ctx)

	m.mu.Lock()
	if listErr == nil {
		m.listed = listed
		if m.selected == "" {
			m.selected = pickActive(listed)
		}
	}
	selected := m.selected
	m.mu.Unlock()

	m.app.QueueUpdateDraw(func() {
		if listErr != nil {
			m.tasks.Clear()
			m.tasks.SetCell(0, 0, tview.NewTableCell("list failed: "+listErr.Error()).SetTextColor(tcell.ColorRed))
		} else {
			renderTasksTable(m.tasks, listed, selected)
		}
		if dashErr != nil {
			m.agents.SetText("[red]" + tview.Escape(dashErr.Error()) + "[-]")
		} else {
			m.agents.SetText(renderAgents(dash))
		}
	})
	m.loadDetails(selected)
}

func pickActive(tasks []domain.TaskSnapshot) string {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return t.TaskID
		}
	}
	if len(tasks) > 0 {
		return tasks[0].TaskID
	}
	return ""
}

func (m *monitor) loadDetails(taskID string) {
	if taskID == "" {
		return
	}
	gen := m.generation.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var (
			wg        sync.WaitGroup
			snap      domain.TaskSnapshot
			decisions []domain.DecisionLog
			snapErr   error
			decErr    error
		)
		wg.Add(2)
		go func() { defer wg.Done(); snap, snapErr = m.client.Status(ctx, taskID) }()
		go func() { defer wg.Done(); decisions, decErr = m.client.Decisions(ctx, taskID, 200) }()
		wg.Wait()

		if m.generation.Load() != gen {
			return
		}
		m.app.QueueUpdateDraw(func() {
			if snapErr != nil {
				m.steps.SetText("[red]" + tview.Escape(snapErr.Error()) + "[-]")
			} else {
				m.steps.SetText(renderSteps(snap))
			}
			if decErr != nil {
				m.journal.SetText("[red]" + tview.Escape(decErr.Error()) + "[-]")
			} else {
				m.journal.SetText(renderDecisions(decisions))
			}
		})
	}()
}

func (m *monitor) say(msg string) {
	m.app.QueueUpdateDraw(func() { m.footer.SetText(msg) })
}

func (m *monitor) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.input.SetText("")
	m.footer.SetText("submitting...")
	go func() {
		def, err := definitionFromInput(text)
		if err != nil {
			m.say("[red]invalid input:[-] " + tview.Escape(err.Error()))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		id, err := m.client.Submit(ctx, def)
		if err != nil {
			m.say("[red]submit failed:[-] " + tview.Escape(err.Error()))
			return
		}
		m.mu.Lock()
		m.selected = id
		m.mu.Unlock()
		m.say("submitted " + id)
		m.refresh()
	}()
}

func (m *monitor) cancelSelected() {
	m.mu.Lock()
	id := m.selected
	m.mu.Unlock()
	if id == "" {
		m.footer.SetText("no task selected")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		ok, err := m.client.Cancel(ctx, id)
		switch {
		case err != nil:
			m.say("[red]cancel failed:[-] " + tview.Escape(err.Error()))
		case ok:
			m.say("cancelled " + id)
		default:
			m.say(id + " already finished")
		}
		m.refresh()
	}()
}

func (m *monitor) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if m.app.GetFocus() == m.input {
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyTAB:
			m.app.SetFocus(m.tasks)
			return nil
		}
		return ev
	}
	switch ev.Key() {
	case tcell.KeyF10:
		m.app.Stop()
	case tcell.KeyF5:
		go func() {
			m.refresh()
			m.say("refreshed")
		}()
	case tcell.KeyCtrlX:
		m.cancelSelected()
	case tcell.KeyCtrlL, tcell.KeyTAB:
		m.app.SetFocus(m.input)
	case tcell.KeyEscape, tcell.KeyCtrlT:
		m.app.SetFocus(m.tasks)
	case tcell.KeyRune:
		m.app.SetFocus(m.input)
		return ev
	default:
		return ev
	}
	return nil
}
