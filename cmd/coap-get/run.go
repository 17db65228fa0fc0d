package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/iotlib/coap/pkg/exchange"
	"github.com/iotlib/coap/pkg/message"
	"github.com/iotlib/coap/pkg/settings"
	"github.com/iotlib/coap/pkg/stack"
	"github.com/iotlib/coap/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTimedOut is returned when the server never answered.
	ErrTimedOut = errors.New("request timed out")

	// ErrLookupFailed is returned when the target host did not resolve.
	ErrLookupFailed = errors.New("host lookup failed")

	// ErrReset is returned when the server rejected the request with a Reset.
	ErrReset = errors.New("request reset by server")
)

// errorResponse reports a 4.xx or 5.xx answer.
type errorResponse struct {
	code message.Code
}

func (e *errorResponse) Error() string {
	return fmt.Sprintf("server answered %s", e.code)
}

// event is one outcome reported by the exchange callbacks.
type event struct {
	msg   *message.Message
	final bool
	err   error
}

// run performs one GET or Observe against uri and writes each response to
// stdout. Logs go to stderr.
func run(ctx context.Context, cfg Config, uri string, observe bool, stdout, stderr io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	factory, err := newLoggerFactory(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	render, _ := newRenderer(cfg.Output)
	backoff, _ := cfg.backoff()

	reg := prometheus.NewRegistry()

	var s *stack.Stack
	udp, err := transport.NewUDP(transport.UDPConfig{
		ListenAddr:    cfg.Listen,
		Handler:       func(m *message.Message) { s.Receive(m) },
		LoggerFactory: factory,
	})
	if err != nil {
		return fmt.Errorf("open UDP socket: %w", err)
	}
	defer udp.Stop()

	if cfg.Settings != "" {
		store, err := settings.Open(cfg.Settings, settings.Config{LoggerFactory: factory})
		if err != nil {
			return err
		}
		defer store.Close()
		if _, err := transport.BindFromSettings(store, udp); err != nil {
			return fmt.Errorf("bind from %s: %w", cfg.Settings, err)
		}
	}

	s, err = stack.New(stack.Config{
		Transport:        udp,
		AckTimeout:       cfg.AckTimeout,
		MaxTransmissions: cfg.MaxTransmissions,
		Backoff:          backoff,
		Registerer:       reg,
		LoggerFactory:    factory,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	stacks := stack.NewRegistry()
	stacks.UseFirstAsDefault()
	stacks.Add(s)

	if err := udp.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return fetch(gctx, stacks.Default(), cfg, uri, observe, render, stdout, factory)
	})

	return g.Wait()
}

// fetch drives one exchange until it finishes, the notification count is
// reached or ctx is cancelled.
func fetch(ctx context.Context, s *stack.Stack, cfg Config, uri string, observe bool, render renderer, w io.Writer, factory *zerologFactory) error {
	log := factory.Logger()

	e := exchange.New(exchange.Config{
		Stack:         s,
		LookupTimeout: cfg.LookupTimeout,
		LoggerFactory: factory,
	})
	defer e.Close()

	// Notifications may be dropped when output falls behind. The final
	// event never is: the first one wins and later ones are moot.
	events := make(chan event, 64)
	final := make(chan event, 1)
	emit := func(ev event) {
		if ev.final {
			select {
			case final <- ev:
			default:
			}
			return
		}
		select {
		case events <- ev:
		default:
			log.Warn().Msg("output is falling behind, dropping a notification")
		}
	}

	var sent atomic.Bool
	e.OnNotification(func(m *message.Message) { emit(event{msg: m}) })
	e.OnCompleted(func(m *message.Message) { emit(event{msg: m, final: true}) })
	e.OnTimeout(func() { emit(event{err: ErrTimedOut, final: true}) })
	e.OnStatusChanged(func(st exchange.Status) {
		log.Debug().Str("exchange", e.ID().String()).Stringer("status", st).Msg("status changed")
		switch st {
		case exchange.StatusInProgress:
			sent.Store(true)
		case exchange.StatusLookupFailed:
			emit(event{err: ErrLookupFailed, final: true})
		case exchange.StatusReady:
			// Back to Ready without an answer: the server sent a Reset.
			if sent.Load() {
				emit(event{err: ErrReset, final: true})
			}
		}
	})

	if err := e.SetTarget(uri); err != nil {
		return err
	}
	start := e.Get
	if observe {
		start = e.Observe
	}
	if err := start(); err != nil {
		return err
	}

	received := 0
	// handle prints one event and reports whether fetch is finished.
	handle := func(ev event) (bool, error) {
		if ev.err != nil {
			return true, fmt.Errorf("%s: %w", uri, ev.err)
		}
		if err := render(w, newResult(e, ev.msg, s.Content())); err != nil {
			return true, err
		}
		received++

		if ev.msg.Code.Class() >= 4 {
			return true, &errorResponse{code: ev.msg.Code}
		}
		if ev.final {
			return true, nil
		}
		// A server without Observe support answers once.
		if _, ok := ev.msg.Observe(); !ok {
			return true, nil
		}
		if cfg.Count > 0 && received >= cfg.Count {
			if err := e.Unobserve(); err != nil {
				log.Warn().Err(err).Msg("deregistering observation")
			}
			return true, nil
		}
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			if observe {
				if e.IsObserving() {
					_ = e.Unobserve()
				}
				return nil
			}
			return ctx.Err()

		case ev := <-events:
			done, err := handle(ev)
			if done || err != nil {
				return err
			}

		case ev := <-final:
			// Print what was queued ahead of the final event first.
			for drained := false; !drained; {
				select {
				case n := <-events:
					if done, err := handle(n); done || err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			_, err := handle(ev)
			return err
		}
	}
}
