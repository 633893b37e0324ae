// Package alert forwards important adapter events (unfilled orders, invalid
// order answers, tripped breakers) to an out-of-band notifier without
// blocking the trading path.
package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize    = 128
	defaultRepeatWindow = 5 * time.Minute
	deliveryTimeout     = 20 * time.Second
)

// Fields that identify the market an event belongs to. Repeats of one
// event for the same market are folded together.
var marketKeys = []string{"exchange", "symbol", "action"}

type Options struct {
	QueueSize int
	// RepeatWindow folds repeats of an event for one market into the next
	// alert sent after the window. Zero sends every event.
	RepeatWindow time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Manager delivers events from a single goroutine. A full queue drops the
// event and counts it.
type Manager struct {
	instance string
	notifier Notifier
	log      *zap.Logger
	clock    func() time.Time
	window   time.Duration

	events   chan Event
	quit     chan struct{}
	finished chan struct{}

	mu         sync.Mutex
	closed     bool
	lastSent   map[string]time.Time
	suppressed map[string]int

	dropped atomic.Uint64
}

// Event is one queued alert. Folded counts the repeats suppressed since the
// previous alert for the same market.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]string
	Folded int
}

// NewManager returns nil when notifier is nil; a nil Manager ignores events.
func NewManager(instance string, notifier Notifier, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RepeatWindow < 0 {
		opts.RepeatWindow = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		instance:   instance,
		notifier:   notifier,
		log:        opts.Logger.Named("alert"),
		clock:      opts.Clock,
		window:     opts.RepeatWindow,
		events:     make(chan Event, opts.QueueSize),
		quit:       make(chan struct{}),
		finished:   make(chan struct{}),
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	go m.run()
	return m
}

func marketKey(event string, fields map[string]string) string {
	var b strings.Builder
	b.WriteString(event)
	for _, k := range marketKeys {
		b.WriteByte('|')
		b.WriteString(fields[k])
	}
	return b.String()
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	now := m.clock().UTC()
	key := marketKey(event, fields)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if last, ok := m.lastSent[key]; ok && m.window > 0 && now.Sub(last) < m.window {
		m.suppressed[key]++
		m.log.Debug("alert folded into next",
			zap.String("event", "alert_folded"),
			zap.String("target_event", event),
			zap.Int("pending", m.suppressed[key]),
		)
		return
	}
	ev := Event{Name: event, At: now, Fields: copyFields(fields), Folded: m.suppressed[key]}
	select {
	case m.events <- ev:
		m.lastSent[key] = now
		delete(m.suppressed, key)
	default:
		total := m.dropped.Add(1)
		m.log.Warn("alert dropped",
			zap.String("event", "alert_dropped"),
			zap.String("target_event", event),
			zap.String("reason", "queue_full"),
			zap.Uint64("dropped_total", total),
		)
	}
}

// Dropped is the number of events lost to a full queue.
func (m *Manager) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// Close stops intake and waits until queued events are delivered or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()

	select {
	case <-m.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.finished)
	for {
		select {
		case ev := <-m.events:
			m.deliver(ev)
		case <-m.quit:
			for {
				select {
				case ev := <-m.events:
					m.deliver(ev)
				default:
					if n := m.dropped.Load(); n > 0 {
						m.log.Warn("alerts lost during run",
							zap.String("event", "alert_dropped_summary"),
							zap.Uint64("dropped_total", n),
						)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.render(ev)); err != nil {
		m.log.Error("alert delivery failed",
			zap.String("event", "alert_notify_failed"),
			zap.String("target_event", ev.Name),
			zap.Error(err),
		)
	}
}

func (m *Manager) render(ev Event) string {
	var b strings.Builder
	b.WriteString("[coinbridge] " + ev.Name + "\n")
	b.WriteString("instance: " + m.instance + "\n")
	b.WriteString("time: " + ev.At.Format(time.RFC3339))
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + ev.Fields[k])
	}
	if ev.Folded > 0 {
		b.WriteString("\nrepeated: " + strconv.Itoa(ev.Folded) + " more since last alert")
	}
	return b.String()
}

func copyFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
