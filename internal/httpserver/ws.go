package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/skobkin/amdgpu-sampler/internal/api"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
)

const wsSendQueueSize = 16

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.plugin == nil || s.engine == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)
	hello := api.NewHelloMessage(
		s.plugin.Interval().Milliseconds(),
		s.plugin.State().String(),
		s.devices,
		s.plugin.Metrics(),
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		tickCh      <-chan sampler.Tick
		unsubscribe func()
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(ctx, outbound, hello, false, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	session := &wsSession{
		server:   s,
		outbound: outbound,
		logger:   logger,
		subscribe: func() {
			if unsubscribe != nil {
				return
			}
			tickCh, unsubscribe = s.engine.Subscribe()
			logger.Info("ws subscribed to ticks")
		},
		unsubscribe: func() {
			if unsubscribe == nil {
				return
			}
			unsubscribe()
			unsubscribe = nil
			tickCh = nil
		},
	}

	for {
		select {
		case tick, ok := <-tickCh:
			if !ok {
				tickCh = nil
				unsubscribe = nil
				continue
			}
			if !s.enqueueMessage(ctx, outbound, api.NewTickMessage(tick), false, logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := session.handle(ctx, data); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// wsSession dispatches the client messages of one connection.
type wsSession struct {
	server      *Server
	outbound    *wsOutbound
	logger      *slog.Logger
	subscribe   func()
	unsubscribe func()
}

func (ws *wsSession) handle(ctx context.Context, data []byte) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		ws.logger.Debug("invalid client message", "err", err)
		return nil
	}

	s := ws.server
	switch envelope.Type {
	case "pull":
		var msg api.PullMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Metric == "" {
			return ws.replyError(ctx, "invalid pull payload")
		}
		var (
			readings []sampler.Reading
			err      error
		)
		if msg.Node != "" {
			readings, _, err = s.pullNode(msg.Node, msg.Metric)
		} else {
			readings, _, err = s.pull(msg.Metric)
		}
		if err != nil {
			return ws.replyError(ctx, err.Error())
		}
		// Drained readings exist nowhere else, so this reply must not be dropped.
		if !s.enqueueMessage(ctx, ws.outbound, api.NewReadingsMessage(msg.Metric, msg.Node, readings), true, ws.logger) {
			return fmt.Errorf("failed to enqueue readings for %s", msg.Metric)
		}
	case "subscribe":
		ws.subscribe()
	case "unsubscribe":
		ws.unsubscribe()
	case "ping":
		if !s.enqueueMessage(ctx, ws.outbound, api.PongMessage{Type: "pong"}, false, ws.logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		ws.logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (ws *wsSession) replyError(ctx context.Context, msg string) error {
	payload := api.ErrorMessage{Type: "error", Message: msg}
	if !ws.server.enqueueMessage(ctx, ws.outbound, payload, false, ws.logger) {
		return fmt.Errorf("failed to enqueue error message")
	}
	return nil
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				errCh <- fmt.Errorf("client idle for %s: %w", s.cfg.WS.ReadTimeout, err)
				return
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// enqueueMessage queues payload for the writer. Lossless messages wait for
// queue space; the rest are dropped when the queue is full.
func (s *Server) enqueueMessage(ctx context.Context, outbound *wsOutbound, payload any, lossless bool, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}

	var ok bool
	if lossless {
		ok = outbound.enqueueWait(ctx, data)
	} else {
		ok = outbound.enqueue(data)
	}
	if !ok {
		logger.Warn("websocket outbound queue unavailable")
	}
	return ok
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && logger != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

// wsOutbound is the per-connection send queue. Only the connection's handler
// goroutine enqueues and closes it.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue queues msg without blocking. When the queue is full msg is
// dropped; only a closed queue reports failure.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
	default:
		o.countDrop()
	}
	return true
}

func (o *wsOutbound) enqueueWait(ctx context.Context, msg []byte) bool {
	if o.closed.Load() {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
