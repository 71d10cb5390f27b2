package beacon

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"resq/go-sos-agent/internal/model"
)

// ErrScanUnavailable reports that the proximity scanner cannot be used right now.
// Resolver never returns it; scanners use it to explain why a fallback was chosen.
var ErrScanUnavailable = errors.New("proximity scan unavailable")

// Handler receives advertisements, or a terminal scan error, while a scan is running.
type Handler func(adv model.Advertisement, err error)

// Scanner is the platform proximity capability the resolver drives.
type Scanner interface {
	// Ready checks that scanning is possible (hardware present, permissions granted, link up).
	Ready(ctx context.Context) error
	// Start begins delivering advertisements to h until Stop is called.
	Start(h Handler) error
	// Stop releases the scan session. It must be safe to call more than once.
	Stop()
}

const (
	DefaultScanTimeout   = 10 * time.Second
	DefaultRSSIThreshold = -100
)

var markerTokens = []string{"beacon", "esp", "nrf", "ibeacon"}

// Options configures a Resolver.
type Options struct {
	FallbackID    string
	Timeout       time.Duration
	RSSIThreshold int
	// OnResolve is called with every signal the resolver returns.
	OnResolve func(model.BeaconSignal)
}

// Resolver turns a time-bounded proximity scan into a BeaconSignal.
type Resolver struct {
	scanner  Scanner
	opts     Options
	logger   *slog.Logger
	scanning atomic.Bool
	now      func() time.Time
}

// NewResolver constructs a resolver. A nil scanner makes every scan resolve to the fallback.
func NewResolver(scanner Scanner, opts Options, logger *slog.Logger) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultScanTimeout
	}
	if opts.RSSIThreshold == 0 {
		opts.RSSIThreshold = DefaultRSSIThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{scanner: scanner, opts: opts, logger: logger, now: time.Now}
}

// FallbackID returns the statically configured fallback identifier.
func (r *Resolver) FallbackID() string {
	return r.opts.FallbackID
}

// Scan resolves to the first qualifying advertisement seen before the timeout, or to the
// fallback signal. It never fails and always stops the scanner before returning.
func (r *Resolver) Scan(ctx context.Context, timeout time.Duration) model.BeaconSignal {
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}

	if !r.scanning.CompareAndSwap(false, true) {
		r.logger.Warn("beacon scan already in progress, using fallback")
		return r.finish(r.fallback("Fallback"))
	}
	defer r.scanning.Store(false)

	if r.scanner == nil {
		r.logger.Info("beacon scanner not configured, using fallback")
		return r.finish(r.fallback("Campus Beacon (Manual Selection)"))
	}

	// The timeout covers readiness as well as the scan itself.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.ready(ctx); err != nil {
		r.logger.Warn("beacon scanner not ready, using fallback", "error", err)
		return r.finish(r.fallback("Campus Beacon (Scanner unavailable)"))
	}

	var (
		resolved atomic.Bool
		once     sync.Once
		seen     atomic.Int64
		results  = make(chan model.BeaconSignal, 1)
	)
	deliver := func(sig model.BeaconSignal) {
		once.Do(func() { results <- sig })
	}

	handler := func(adv model.Advertisement, err error) {
		if resolved.Load() {
			return
		}
		if err != nil {
			if resolved.CompareAndSwap(false, true) {
				r.logger.Warn("beacon scan error, using fallback", "error", err)
				deliver(r.fallback("Campus Beacon (Fallback - Scan error)"))
			}
			return
		}
		seen.Add(1)
		if !Qualifies(adv, r.opts.RSSIThreshold) {
			return
		}
		if resolved.CompareAndSwap(false, true) {
			deliver(r.discovered(adv))
		}
	}

	defer r.scanner.Stop()
	if err := r.scanner.Start(handler); err != nil {
		r.logger.Warn("beacon scan failed to start, using fallback", "error", err)
		return r.finish(r.fallback("Campus Beacon (Fallback)"))
	}

	r.logger.Debug("beacon scan started", "timeout", timeout)

	select {
	case sig := <-results:
		if sig.Discovered() {
			r.logger.Info("beacon detected", "identifier", sig.Identifier, "name", sig.DisplayName, "candidates", seen.Load())
		}
		return r.finish(sig)
	case <-ctx.Done():
		resolved.Store(true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Info("beacon scan timed out, using fallback", "candidates", seen.Load())
		} else {
			r.logger.Info("beacon scan cancelled, using fallback", "error", ctx.Err())
		}
		return r.finish(r.fallback("Campus Beacon (Fallback)"))
	}
}

// ready waits for the scanner to become usable, but no longer than ctx allows, even when
// the scanner itself ignores ctx.
func (r *Resolver) ready(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.scanner.Ready(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) finish(sig model.BeaconSignal) model.BeaconSignal {
	if r.opts.OnResolve != nil {
		r.opts.OnResolve(sig)
	}
	return sig
}

func (r *Resolver) fallback(name string) model.BeaconSignal {
	return model.BeaconSignal{
		Identifier:  r.opts.FallbackID,
		DisplayName: name,
		Origin:      model.OriginFallback,
		ScannedAt:   r.now().UTC(),
	}
}

func (r *Resolver) discovered(adv model.Advertisement) model.BeaconSignal {
	id, ok := ProximityUUID(adv.ManufacturerData)
	if !ok {
		id = r.opts.FallbackID
	}
	name := adv.Name
	if name == "" {
		name = adv.LocalName
	}
	if name == "" {
		name = "BLE Device"
	}
	sig := model.BeaconSignal{
		Identifier:  id,
		DisplayName: name,
		Origin:      model.OriginDiscovered,
		ScannedAt:   r.now().UTC(),
	}
	if adv.RSSI != nil {
		rssi := *adv.RSSI
		sig.RSSI = &rssi
	}
	return sig
}

// Qualifies applies the permissive beacon rule: the device must be connectable (or not say)
// and either carry a beacon marker in its name or be heard above the RSSI threshold.
func Qualifies(adv model.Advertisement, threshold int) bool {
	if adv.Connectable != nil && !*adv.Connectable {
		return false
	}
	if hasMarker(adv.Name) || hasMarker(adv.LocalName) {
		return true
	}
	return adv.RSSI != nil && *adv.RSSI != 0 && *adv.RSSI > threshold
}

func hasMarker(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, token := range markerTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
