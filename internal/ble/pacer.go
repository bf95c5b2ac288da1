package ble

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Pacer serialises command lines onto the command characteristic with a
// minimum gap between writes. Lines are written strictly in Enqueue order,
// one at a time. Nothing is written while no characteristic is attached.
type Pacer struct {
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	queue  []string
	writer Characteristic
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewPacer starts the writer goroutine. Call Close to stop it.
func NewPacer(delay time.Duration, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pacer{
		delay:  delay,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue appends a newline if missing and queues the line.
func (p *Pacer) Enqueue(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, line)
	p.mu.Unlock()
	p.signal()
}

// Attach sets the characteristic lines are written to and resumes writing.
func (p *Pacer) Attach(w Characteristic) {
	p.mu.Lock()
	p.writer = w
	p.mu.Unlock()
	p.signal()
}

// Detach stops writing and drops every queued line. It returns how many
// lines were dropped.
func (p *Pacer) Detach() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = nil
	n := len(p.queue)
	p.queue = nil
	if n > 0 {
		p.logger.Debug("[BLE] dropped queued commands", "count", n)
	}
	return n
}

// Len returns the number of lines waiting to be written.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops the writer goroutine and waits for it to exit.
func (p *Pacer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	close(p.stop)
	<-p.done
}

func (p *Pacer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pacer) next() (string, Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil || len(p.queue) == 0 {
		return "", nil, false
	}
	line := p.queue[0]
	p.queue = p.queue[1:]
	return line, p.writer, true
}

func (p *Pacer) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			line, w, ok := p.next()
			if !ok {
				break
			}
			if err := w.Write([]byte(line)); err != nil {
				p.logger.Warn("[BLE] command write failed", "error", err,
					"command", strings.TrimSpace(truncate(line, 40)))
			}
			if p.delay > 0 {
				t := time.NewTimer(p.delay)
				select {
				case <-p.stop:
					t.Stop()
					return
				case <-t.C:
				}
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
