// Package chaos injects faults into datagram writes so that relay fan-out can
// be exercised against lossy, slow and failing destinations.
package chaos

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// ErrInjected is returned by writes that were failed on purpose.
var ErrInjected = errors.New("chaos: injected write failure")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means the write goes through untouched.
	FaultNone FaultType = iota
	// FaultDrop silently discards the datagram and reports success.
	FaultDrop
	// FaultDelay adds latency before the write.
	FaultDelay
	// FaultError fails the write with ErrInjected.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// FaultConfig configures one kind of fault.
type FaultConfig struct {
	// Probability is the chance of injection per write (0.0 to 1.0).
	Probability float64

	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Targets restricts the fault to these destinations. Empty means all.
	Targets []netip.AddrPort
}

func (c FaultConfig) applies(dst netip.AddrPort) bool {
	if len(c.Targets) == 0 {
		return true
	}
	for _, t := range c.Targets {
		if t == dst {
			return true
		}
	}
	return false
}

// FaultInjector decides, per write, whether to inject a fault.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates an injector with a fixed random source.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable turns injection on.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

// Disable turns injection off. Writes pass through.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// IsEnabled reports whether injection is on.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Decide picks the fault for a write to dst. The first matching config whose
// probability roll succeeds wins. The returned delay is only set for FaultDelay.
func (f *FaultInjector) Decide(dst netip.AddrPort) (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}

	for _, cfg := range f.configs {
		if !cfg.applies(dst) {
			continue
		}
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			return FaultDelay, f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return cfg.Type, 0
	}
	return FaultNone, 0
}

// Stats returns how often each fault type fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		out[k] = v
	}
	return out
}

// Reset clears the hit counters.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	f.faultHits = make(map[FaultType]int64)
	f.mu.Unlock()
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// PacketWriter is the write side of a UDP socket.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Writer wraps a PacketWriter and applies the injector's faults to each write.
type Writer struct {
	next     PacketWriter
	injector *FaultInjector

	mu      sync.Mutex
	dropped []netip.AddrPort
}

// NewWriter wraps next.
func NewWriter(next PacketWriter, injector *FaultInjector) *Writer {
	return &Writer{next: next, injector: injector}
}

// WriteToUDPAddrPort implements PacketWriter.
func (w *Writer) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	fault, delay := w.injector.Decide(addr)
	switch fault {
	case FaultDrop:
		w.mu.Lock()
		w.dropped = append(w.dropped, addr)
		w.mu.Unlock()
		return len(b), nil
	case FaultError:
		return 0, ErrInjected
	case FaultDelay:
		time.Sleep(delay)
	}
	return w.next.WriteToUDPAddrPort(b, addr)
}

// Dropped returns the destinations whose datagrams were silently discarded.
func (w *Writer) Dropped() []netip.AddrPort {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]netip.AddrPort(nil), w.dropped...)
}
