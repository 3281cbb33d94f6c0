package output

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/term"
)

type jobStatus struct {
	URL         string
	Status      string // pending, success, error
	Message     string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Index       int
}

// Manager renders a live one-line-per-job status view while the batch
// runs. All mutation goes through the mutex; the display goroutine
// only reads.
type Manager struct {
	outputs     map[string]*jobStatus
	mutex       sync.RWMutex
	numLines    int
	doneCh      chan struct{}
	displayTick time.Duration
	jobCount    int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[string]*jobStatus),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) Register(id, url string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobCount++
	m.outputs[id] = &jobStatus{
		URL:         url,
		Status:      "pending",
		Message:     "Queued",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.jobCount,
	}
}

func (m *Manager) SetMessage(id, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if status, exists := m.outputs[id]; exists {
		status.Message = message
		status.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id, message string) {
	m.setFinal(id, "success", message)
}

func (m *Manager) Fail(id, message string) {
	m.setFinal(id, "error", message)
}

func (m *Manager) setFinal(id, status, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if job, exists := m.outputs[id]; exists {
		job.Status = status
		job.Message = message
		job.Complete = true
		job.LastUpdated = time.Now()
	}
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-m.doneCh:
				m.render()
				return
			case <-ticker.C:
				m.render()
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) render() {
	m.mutex.RLock()
	jobs := make([]*jobStatus, 0, len(m.outputs))
	for _, status := range m.outputs {
		jobs = append(jobs, status)
	}
	m.mutex.RUnlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Index < jobs[j].Index })

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}

	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}
	for _, job := range jobs {
		var symbol, line string
		switch job.Status {
		case "success":
			symbol = successStyle.Render(StyleSymbols["pass"])
		case "error":
			symbol = errorStyle.Render(StyleSymbols["fail"])
		default:
			symbol = pendingStyle.Render(StyleSymbols["bullet"])
		}
		line = fmt.Sprintf("%s %s %s %s", symbol, job.URL, StyleSymbols["arrow"], detailStyle.Render(job.Message))
		fmt.Println(truncate(line, width))
	}
	m.numLines = len(jobs)
}

func truncate(line string, width int) string {
	runes := []rune(line)
	if len(runes) <= width {
		return line
	}
	return string(runes[:width-1]) + "…"
}
