package relay

import (
	"net/http"

	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
)

// readLoop is the single reader for one session's channel. Frame order on the
// wire is therefore the order responses reach viewers. It exits on any read
// error, taking the session down with it.
func (s *Server) readLoop(session *Session) {
	defer func() {
		s.log.WithFields(logging.Fields{"session_id": session.ID}).Info("relay", "session", "Session ended")
		s.store.Remove(session.ID)
	}()

	for {
		_, data, err := session.Conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// A malformed frame means the peer is not speaking the
			// protocol; the session cannot be trusted past this point.
			s.log.WithFields(logging.Fields{"session_id": session.ID}).WithError(err).Error("relay", "session", "Malformed frame from origin")
			session.Conn.Close()
			return
		}

		switch m := msg.(type) {
		case *protocol.Response:
			s.handleResponseFrame(session, m)
		case *protocol.Data:
			s.handleDataFrame(session, m)
		case *protocol.End:
			s.handleEndFrame(session, m)
		default:
			s.log.WithFields(logging.Fields{
				"session_id": session.ID,
				"type":       string(msg.MessageType()),
			}).Warn("relay", "session", "Unexpected frame from origin")
		}
	}
}

// handleResponseFrame writes status and headers to the waiting viewer and
// opens the streaming state for the request ID.
func (s *Server) handleResponseFrame(session *Session, msg *protocol.Response) {
	pending := s.store.GetPending(session.ID, msg.ID)
	if pending == nil {
		s.log.WithTraceID(msg.ID).Debug("relay", "stream", "Response frame with no pending request")
		return
	}

	w := pending.ResponseWriter
	for key, value := range msg.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(msg.Status)
	pending.MarkResponded()

	state := &ResponseState{HeadersSent: true}
	if flusher, ok := w.(http.Flusher); ok {
		state.Flusher = flusher
	}
	session.setResponseState(msg.ID, state)
}

// handleDataFrame decodes one chunk and streams it to the viewer. Viewer-side
// write errors are logged and otherwise ignored; the origin keeps sending.
func (s *Server) handleDataFrame(session *Session, msg *protocol.Data) {
	pending := s.store.GetPending(session.ID, msg.ID)
	if pending == nil {
		s.log.WithTraceID(msg.ID).Debug("relay", "stream", "Data frame with no pending request")
		return
	}

	state := session.responseState(msg.ID)
	if state == nil {
		s.log.WithTraceID(msg.ID).Warn("relay", "stream", "Data frame before response frame")
		return
	}

	chunk, err := protocol.DecodeChunk(msg.Chunk)
	if err != nil {
		s.log.WithTraceID(msg.ID).WithError(err).Warn("relay", "stream", "Failed to decode chunk")
		return
	}

	w := pending.ResponseWriter
	state.mu.Lock()
	_, err = w.Write(chunk)
	if state.Flusher != nil {
		state.Flusher.Flush()
	}
	state.mu.Unlock()

	if err != nil {
		s.log.WithTraceID(msg.ID).WithError(err).Debug("relay", "stream", "Viewer write failed")
		return
	}

	if s.metrics != nil {
		s.metrics.BytesStreamed.Add(float64(len(chunk)))
	}
}

// handleEndFrame completes a response: the waiting viewer handler unblocks
// and the streaming state is dropped. The entry leaves the pending map under
// the session lock, so a repeated end frame or a concurrent Remove cannot
// close Done a second time.
func (s *Server) handleEndFrame(session *Session, msg *protocol.End) {
	session.mu.Lock()
	pending := session.pending[msg.ID]
	delete(session.pending, msg.ID)
	session.mu.Unlock()
	if pending == nil {
		s.log.WithTraceID(msg.ID).Debug("relay", "stream", "End frame with no pending request")
		return
	}

	session.clearResponseState(msg.ID)
	close(pending.Done)
}
