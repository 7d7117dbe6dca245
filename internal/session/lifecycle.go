package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/logging"
)

// Run drives the session to completion: it starts the send goroutine and
// heartbeat ticker, then runs the receive loop on the calling goroutine
// until the connection ends, for any reason — close frame, IO error,
// timeout, ban, or displacement. Run blocks until every goroutine it
// started has exited, so the caller (the transport layer's per-connection
// handler) can safely remove the session from the registry the moment Run
// returns.
func (s *Session) Run() {
	log := logging.Session().With().
		Uint64("conn_id", uint64(s.connID)).
		Str("remote_addr", s.remoteAddr).
		Logger()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.sendLoop()
	}()
	go func() {
		defer wg.Done()
		s.heartbeatLoop()
	}()

	s.receiveLoop(&log)

	// The receive loop exiting on its own (read error, peer close, binary
	// frame, parse-error flood) hasn't necessarily called Close yet; make
	// sure it has so the close frame goes out and closeSignal fires for
	// the other two goroutines.
	if !s.closed.Load() {
		s.Close(websocket.CloseNormalClosure, "read_loop_exited")
	}

	wg.Wait()
	code, reason := s.closeCodeAndReason()
	log.Info().Int("close_code", code).Str("close_reason", reason).Msg("session closed")
}

// readDeadline leaves one heartbeat interval of slack past the pong
// timeout, so the heartbeat check (which owns the timeout decision and its
// close code) always fires before the socket's own deadline backstop.
func (s *Session) readDeadline() time.Time {
	return time.Now().Add(s.cfg.ConnectionTimeout + s.cfg.HeartbeatInterval)
}

func (s *Session) receiveLoop(log *zerolog.Logger) {
	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	s.conn.SetReadDeadline(s.readDeadline())
	s.conn.SetPongHandler(func(string) error {
		s.touchPong()
		s.conn.SetReadDeadline(s.readDeadline())
		return nil
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered panic in session receive loop")
			s.Close(websocket.CloseInternalServerErr, "internal_error")
		}
	}()

	for {
		if s.closed.Load() {
			return
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return // our own Close() forced the conn shut; nothing more to report
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				s.Close(websocket.CloseMessageTooBig, "frame_too_large")
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("session read error")
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.IncConnectionError()
				}
			}
			s.Close(websocket.CloseNormalClosure, "read_error")
			return
		}

		s.touchReceived()
		s.conn.SetReadDeadline(s.readDeadline())

		// Ping, pong, and close frames never surface here: ReadMessage
		// dispatches them to the control-frame handlers (the pong handler
		// above refreshes last_pong) or returns a CloseError.
		if msgType == websocket.BinaryMessage {
			s.Close(websocket.CloseUnsupportedData, "binary_frames_unsupported")
			return
		}
		if !s.handleFrame(data, log) {
			return
		}
	}
}

// handleFrame processes one text frame: parse, heartbeat swallow, admission
// check, then hand-off to the router. It returns false if the session
// should stop reading (a parse-error flood closed it).
func (s *Session) handleFrame(data []byte, log *zerolog.Logger) bool {
	env, parseErr := decodeEnvelope(data)
	if parseErr != nil {
		if s.recordParseError() {
			log.Warn().Msg("closing adapter session after repeated malformed frames")
			s.Close(4400, "malformed_frames")
			return false
		}
		return true
	}
	// A well-formed frame ends any run of consecutive parse errors.
	s.parseErrMu.Lock()
	s.parseErrCount = 0
	s.parseErrSince = time.Time{}
	s.parseErrMu.Unlock()
	env.Raw = data

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncMessagesIn()
	}

	if env.EventType == "heartbeat" {
		return true
	}

	if !s.admit() {
		return true
	}

	s.handler.HandleEnvelope(s, env)
	return true
}

// sendLoop drains the outbox until the session closes, then drains at most
// DrainBudget more envelopes — enough to get a close frame or a handful of
// trailing replies out — before stopping.
func (s *Session) sendLoop() {
	defer func() {
		if r := recover(); r != nil {
			logging.Session().Error().Interface("panic", r).Uint64("conn_id", uint64(s.connID)).Msg("recovered panic in session send loop")
			s.Close(websocket.CloseInternalServerErr, "internal_error")
		}
	}()
	for {
		select {
		case env := <-s.out.ch:
			if err := s.writeEnvelope(env); err != nil {
				s.Close(websocket.CloseNormalClosure, "write_error")
				return
			}
		case <-s.closeSignal:
			for i := 0; i < s.cfg.DrainBudget; i++ {
				select {
				case env := <-s.out.ch:
					if err := s.writeEnvelope(env); err != nil {
						return
					}
				default:
					return
				}
			}
			return
		}
	}
}

func (s *Session) writeEnvelope(env envelope.Envelope) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	var err error
	if env.Raw != nil {
		err = s.conn.WriteMessage(websocket.TextMessage, env.Raw)
	} else {
		err = s.conn.WriteJSON(env)
	}
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncMessagesOut()
	}
	return nil
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeSignal:
			return
		case <-ticker.C:
			if time.Since(s.LastPong()) > s.cfg.ConnectionTimeout {
				s.Close(1001, "heartbeat_timeout")
				return
			}
			// WriteControl is safe concurrently with the send loop's data
			// writes; WriteMessage is not.
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.Close(websocket.CloseNormalClosure, "ping_write_error")
				return
			}
		}
	}
}
