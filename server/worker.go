package server

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/protocol"
	"hen/transport"
)

const handshakeTimeout = 10 * time.Second

// worker serves exactly one accepted connection.
type worker struct {
	id     uint64
	ep     *transport.Endpoint
	logger *zap.Logger
}

func (svr *Server) startWorker(conn net.Conn) {
	if svr.tlsConfig != nil {
		conn = tls.Server(conn, svr.tlsConfig)
	}

	svr.mu.Lock()
	svr.nextID++
	w := &worker{id: svr.nextID}
	w.logger = svr.logger.With(zap.Uint64("worker", w.id), zap.Stringer("remote", conn.RemoteAddr()))
	w.ep = transport.NewEndpoint(conn,
		transport.WithDispatcher(svr),
		transport.WithLogger(w.logger),
		transport.WithCallTimeout(svr.callTimeout),
	)
	svr.workers[w.id] = w
	svr.wg.Add(1)
	svr.mu.Unlock()

	if svr.metrics != nil {
		svr.metrics.Accepted.Inc()
		svr.metrics.ActiveWorkers.Inc()
	}
	go svr.runWorker(w)
}

func (svr *Server) runWorker(w *worker) {
	defer svr.wg.Done()
	defer func() {
		svr.mu.Lock()
		delete(svr.workers, w.id)
		svr.mu.Unlock()
		if svr.metrics != nil {
			svr.metrics.ActiveWorkers.Dec()
		}
	}()
	defer w.ep.Close()
	defer func() {
		// A crash here must not take the daemon down with it.
		if r := recover(); r != nil {
			w.logger.Error("Connection worker panicked", zap.Any("panic", r), zap.StackSkip("stack", 1))
		}
	}()

	if err := svr.handshake(w); err != nil {
		w.logger.Info("TLS handshake failed", zap.Error(err))
		return
	}
	w.logger.Debug("Connection accepted")

	ctx := svr.drainCtx
	for {
		err := w.ep.ReadAndProcess(ctx)
		switch {
		case err == nil:
			ctx = svr.drainCtx
		case errors.Is(err, protocol.ErrConnectionClosed):
			w.logger.Debug("Peer disconnected")
			return
		case errors.Is(err, protocol.ErrProtocol):
			w.logger.Info("Dropping connection after protocol error", zap.Error(err))
			return
		case svr.forceCtx.Err() != nil:
			return
		case svr.drainCtx.Err() != nil:
			// Draining: finish a request that is half way through the socket,
			// otherwise leave.
			if !w.ep.HasPartialFrame() {
				w.logger.Debug("Idle worker leaving on drain")
				return
			}
			ctx = svr.forceCtx
		default:
			w.logger.Info("Connection worker stopped", zap.Error(err))
			return
		}
	}
}

func (svr *Server) handshake(w *worker) error {
	tc, ok := w.ep.Conn().(*tls.Conn)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(svr.forceCtx, handshakeTimeout)
	defer cancel()
	return tc.HandshakeContext(ctx)
}

// ActiveWorkers is the number of connections currently being served.
func (svr *Server) ActiveWorkers() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.workers)
}

// closeWorkers forcibly closes every remaining connection.
func (svr *Server) closeWorkers() {
	svr.mu.Lock()
	workers := make([]*worker, 0, len(svr.workers))
	for _, w := range svr.workers {
		workers = append(workers, w)
	}
	svr.mu.Unlock()
	for _, w := range workers {
		w.ep.Close()
	}
}
