package tarssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("tarssh: server closed")

// floor for the at-capacity backoff so a zero delay does not spin
const minBackoff = 10 * time.Millisecond

type Server struct {
	config  Config
	l       *logrus.Logger
	adm     *admission
	metrics *metrics
	limiter *rate.Limiter

	// stopping is set once by Shutdown and never cleared. ctx is cancelled at
	// the same time so sleeping goroutines wake up early.
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu sync.Mutex
	ln net.Listener
}

func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = defDrainInterval
	}

	srv := &Server{
		config:  cfg,
		l:       newLogger(&cfg),
		adm:     newAdmission(cfg.MaxClients),
		metrics: newMetrics(),
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	if cfg.AcceptRate > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return srv, nil
}

// Logger returns the logger the server writes its connection events to.
func (srv *Server) Logger() *logrus.Logger {
	return srv.l
}

// Live returns the number of clients currently trapped.
func (srv *Server) Live() int64 {
	return srv.adm.count()
}

// MetricsHandler serves the server's Prometheus metrics.
func (srv *Server) MetricsHandler() http.Handler {
	return srv.metrics.handler()
}

func (srv *Server) ListenAndServe() error {
	addr := srv.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return srv.Serve(ln)
}

// Serve runs the accept loop on ln until Shutdown is called. Accept errors
// are logged and the loop goes on; it only stops early if ln itself is closed.
func (srv *Server) Serve(ln net.Listener) error {
	if !srv.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}

	srv.l.WithFields(logrus.Fields{
		"addr":        ln.Addr().String(),
		"max_clients": srv.config.MaxClients,
		"delay_ms":    srv.config.Delay,
		"max_line":    srv.config.MaxLineLength,
	}).Info("accepting connections")

	backoff := max(srv.config.delay(), minBackoff)
	for {
		if srv.stopping.Load() {
			return ErrServerClosed
		}
		if !srv.adm.hasRoom() {
			srv.sleep(backoff)
			continue
		}
		if srv.limiter != nil {
			if err := srv.limiter.Wait(srv.ctx); err != nil {
				continue
			}
		}

		c, err := ln.Accept()
		if err != nil {
			if srv.stopping.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			srv.metrics.acceptErrors.Inc()
			srv.l.WithError(err).Warn("error on connection")
			continue
		}
		if srv.stopping.Load() {
			c.Close()
			return ErrServerClosed
		}

		n := srv.adm.admit()
		srv.metrics.accepted.Inc()
		srv.metrics.live.Inc()
		id := uuid.New()
		srv.l.WithFields(peerFields(c.RemoteAddr())).WithFields(logrus.Fields{
			"conn":    id.String(),
			"clients": n,
		}).Info("new client")
		go srv.handle(c, id)
	}
}

// a goroutine - one for each trapped client
func (srv *Server) handle(c net.Conn, id uuid.UUID) {
	start := time.Now()
	log := srv.l.WithFields(peerFields(c.RemoteAddr())).WithField("conn", id.String())
	reason := closeShutdown
	var sent int64

	defer func() {
		c.Close()
		remaining := srv.adm.release()
		srv.metrics.live.Dec()
		srv.metrics.closed.WithLabelValues(reason).Inc()
		trapped := time.Since(start)
		srv.metrics.trapped.Observe(trapped.Seconds())
		log.WithFields(logrus.Fields{
			"remaining": remaining,
			"reason":    reason,
			"bytes":     sent,
			"trapped":   trapped.Round(time.Millisecond).String(),
		}).Info("client disconnect")
	}()

	buf := make([]byte, srv.config.MaxLineLength+lineTerminatorLen)

	// Swallow whatever the client leads with, usually its own version string.
	if t := srv.config.InitialReadTimeout; t > 0 {
		c.SetReadDeadline(time.Now().Add(t))
	}
	if _, err := c.Read(buf); err != nil {
		reason = closeRead
		log.WithError(err).Debug("initial read failed")
		return
	}
	c.SetReadDeadline(time.Time{})

	delay := srv.config.delay()
	for !srv.stopping.Load() {
		n := GenerateLine(buf, srv.config.MaxLineLength, nil)
		if _, err := c.Write(buf[:n]); err != nil {
			reason = closeWrite
			log.WithError(err).Debug("write failed")
			return
		}
		sent += int64(n)
		srv.metrics.bytesSent.Add(float64(n))
		srv.sleep(delay)
	}
}

// sleep pauses for d or until Shutdown is called, whichever comes first.
func (srv *Server) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-srv.ctx.Done():
	}
}

func (srv *Server) trackListener(ln net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.stopping.Load() {
		return false
	}
	srv.ln = ln
	return true
}

// Shutdown stops accepting, tells every trapped client's handler to finish
// and waits until the live count drops to zero, re-checking every drain
// interval. Sockets are never closed from here: a handler blocked in a read
// or write leaves only once that call returns. If ctx ends first, its error
// is returned and the handlers keep draining in the background.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.stopOnce.Do(func() {
		srv.mu.Lock()
		srv.stopping.Store(true)
		if srv.ln != nil {
			srv.ln.Close()
		}
		srv.mu.Unlock()
		srv.cancel()
		srv.l.WithField("clients", srv.adm.count()).Info("shutting down, draining clients")
	})

	ticker := time.NewTicker(srv.config.DrainInterval)
	defer ticker.Stop()
	for srv.adm.count() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	srv.l.Info("all clients drained")
	return nil
}
