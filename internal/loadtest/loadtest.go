// Package loadtest drives a running relay with many peers and measures how much
// of the expected fan-out traffic arrives.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/client"
)

// ClientFactory creates an unregistered, unstarted peer client.
type ClientFactory func() (*client.Client, error)

// probe is the message each load peer sends.
type probe struct {
	Peer int    `json:"peer"`
	Seq  int    `json:"seq"`
	Sent int64  `json:"sent"`
	Pad  string `json:"pad,omitempty"`
}

// FanOutMetrics contains the results of a fan-out run.
type FanOutMetrics struct {
	Peers        int
	MessagesSent int64
	SendErrors   int64

	// Expected is MessagesSent times (Peers - 1).
	Expected  int64
	Delivered int64
	Foreign   int64
	Lost      int64

	DeliveryRatio float64
	AvgLatencyMs  float64
	MaxLatencyMs  float64
	MinLatencyMs  float64

	Duration          time.Duration
	MessagesPerSecond float64
}

// FanOutGenerator registers a set of peers and has each of them broadcast a
// number of messages through the relay.
type FanOutGenerator struct {
	peers       int
	messages    int
	interval    time.Duration
	payloadSize int
	settle      time.Duration
}

// NewFanOutGenerator creates a generator with peers peers, each sending
// messages messages spaced by interval.
func NewFanOutGenerator(peers, messages int, interval time.Duration) *FanOutGenerator {
	return &FanOutGenerator{
		peers:    peers,
		messages: messages,
		interval: interval,
		settle:   500 * time.Millisecond,
	}
}

// WithPayloadSize pads each message to roughly size bytes.
func (g *FanOutGenerator) WithPayloadSize(size int) *FanOutGenerator {
	g.payloadSize = size
	return g
}

// WithSettle sets how long to keep collecting after the last send.
func (g *FanOutGenerator) WithSettle(d time.Duration) *FanOutGenerator {
	g.settle = d
	return g
}

// Run executes the fan-out test.
func (g *FanOutGenerator) Run(ctx context.Context, newClient ClientFactory) (*FanOutMetrics, error) {
	if g.peers < 2 {
		return nil, fmt.Errorf("need at least 2 peers, got %d", g.peers)
	}

	clients := make([]*client.Client, 0, g.peers)
	defer func() {
		for _, c := range clients {
			c.Stop()
		}
	}()

	for i := 0; i < g.peers; i++ {
		c, err := newClient()
		if err != nil {
			return nil, fmt.Errorf("create peer %d: %w", i, err)
		}
		clients = append(clients, c)

		if _, err := c.Register(ctx); err != nil {
			return nil, fmt.Errorf("register peer %d: %w", i, err)
		}
		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("start peer %d: %w", i, err)
		}
	}

	m := &FanOutMetrics{
		Peers:        g.peers,
		MinLatencyMs: -1,
	}
	var lat latencyStats

	pad := ""
	if g.payloadSize > 0 {
		pad = strings.Repeat("x", g.payloadSize)
	}

	startTime := time.Now()

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(peer int, c *client.Client) {
			defer wg.Done()
			g.sendWorker(ctx, peer, c, pad, m)
		}(i, c)
	}

	collectCtx, stopCollect := context.WithCancel(ctx)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		collectLoop(collectCtx, clients, m, &lat)
	}()

	wg.Wait()

	select {
	case <-time.After(g.settle):
	case <-ctx.Done():
	}
	stopCollect()
	<-collected

	// Final sweep after the collector has stopped.
	collect(clients, m, &lat)

	m.Duration = time.Since(startTime)
	m.Expected = m.MessagesSent * int64(g.peers-1)
	m.Lost = m.Expected - m.Delivered
	if m.Lost < 0 {
		m.Lost = 0
	}
	if m.Expected > 0 {
		m.DeliveryRatio = float64(m.Delivered) / float64(m.Expected)
	}
	if m.Delivered > 0 {
		m.AvgLatencyMs = lat.sum / float64(m.Delivered)
		m.MaxLatencyMs = lat.max
		m.MinLatencyMs = lat.min
	} else {
		m.MinLatencyMs = 0
	}
	if secs := m.Duration.Seconds(); secs > 0 {
		m.MessagesPerSecond = float64(m.Delivered) / secs
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return m, err
	}
	return m, nil
}

func (g *FanOutGenerator) sendWorker(ctx context.Context, peer int, c *client.Client, pad string, m *FanOutMetrics) {
	var ticker *time.Ticker
	if g.interval > 0 {
		ticker = time.NewTicker(g.interval)
		defer ticker.Stop()
	}

	for seq := 0; seq < g.messages; seq++ {
		if ctx.Err() != nil {
			return
		}

		err := c.Send(probe{Peer: peer, Seq: seq, Sent: time.Now().UnixNano(), Pad: pad})
		if err != nil {
			atomic.AddInt64(&m.SendErrors, 1)
		} else {
			atomic.AddInt64(&m.MessagesSent, 1)
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

type latencyStats struct {
	sum, min, max float64
}

func (l *latencyStats) add(ms float64, first bool) {
	l.sum += ms
	if first || ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
}

func collectLoop(ctx context.Context, clients []*client.Client, m *FanOutMetrics, lat *latencyStats) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect(clients, m, lat)
		}
	}
}

// collect drains every client. Only called from one goroutine at a time.
func collect(clients []*client.Client, m *FanOutMetrics, lat *latencyStats) {
	now := time.Now().UnixNano()
	for _, c := range clients {
		for _, msg := range c.Drain() {
			var p probe
			if msg.Malformed || msg.Unmarshal(&p) != nil || p.Sent == 0 {
				m.Foreign++
				continue
			}
			ms := float64(now-p.Sent) / float64(time.Millisecond)
			lat.add(ms, m.Delivered == 0)
			m.Delivered++
		}
	}
}

// ChurnMetrics contains the results of a registration churn run.
type ChurnMetrics struct {
	Attempts               int64
	Successful             int64
	Failed                 int64
	AvgRegisterTimeMs      float64
	Duration               time.Duration
	RegistrationsPerSecond float64
}

// RegistrationChurnTester repeatedly creates a peer, registers it and tears it
// down again.
type RegistrationChurnTester struct {
	concurrency int
	duration    time.Duration

	mu      sync.Mutex
	totalMs float64
}

// NewRegistrationChurnTester creates a churn tester.
func NewRegistrationChurnTester(concurrency int, duration time.Duration) *RegistrationChurnTester {
	return &RegistrationChurnTester{
		concurrency: concurrency,
		duration:    duration,
	}
}

// Run executes the churn test.
func (t *RegistrationChurnTester) Run(ctx context.Context, newClient ClientFactory) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	m := &ChurnMetrics{}
	startTime := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(ctx, newClient, m)
		}()
	}
	wg.Wait()

	m.Duration = time.Since(startTime)
	if m.Successful > 0 {
		m.AvgRegisterTimeMs = t.totalMs / float64(m.Successful)
	}
	if secs := m.Duration.Seconds(); secs > 0 {
		m.RegistrationsPerSecond = float64(m.Successful) / secs
	}
	return m, nil
}

func (t *RegistrationChurnTester) worker(ctx context.Context, newClient ClientFactory, m *ChurnMetrics) {
	for ctx.Err() == nil {
		c, err := newClient()
		if err != nil {
			atomic.AddInt64(&m.Attempts, 1)
			atomic.AddInt64(&m.Failed, 1)
			continue
		}

		start := time.Now()
		_, err = c.Register(ctx)
		elapsed := time.Since(start)
		c.Stop()

		if ctx.Err() != nil {
			return
		}

		atomic.AddInt64(&m.Attempts, 1)
		if err != nil {
			atomic.AddInt64(&m.Failed, 1)
			continue
		}
		atomic.AddInt64(&m.Successful, 1)

		t.mu.Lock()
		t.totalMs += float64(elapsed.Microseconds()) / 1000
		t.mu.Unlock()
	}
}
