package tlsduplex

import (
	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/rs/zerolog/log"
)

// HandshakeListener is notified of handshake completion. Both methods
// fire at most once per session.
type HandshakeListener interface {
	OnHandshakeSucceeded(session *Session)
	OnHandshakeFailed(session *Session, cause error)
}

// dispatchSucceeded and dispatchFailed are submitted through the
// executor so a listener never runs on the goroutine holding the session
// lock. A panicking listener is caught and logged rather than propagated.
func dispatchSucceeded(exec *executor.Executor, l HandshakeListener, s *Session) {
	if l == nil {
		return
	}
	exec.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("event", "handshake_listener_panic").
					Str("session_id", s.ID).
					Interface("panic", r).
					Msg("on_handshake_succeeded listener panicked")
			}
		}()
		l.OnHandshakeSucceeded(s)
	})
}

func dispatchFailed(exec *executor.Executor, l HandshakeListener, s *Session, cause error) {
	if l == nil {
		return
	}
	exec.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("event", "handshake_listener_panic").
					Str("session_id", s.ID).
					Interface("panic", r).
					Msg("on_handshake_failed listener panicked")
			}
		}()
		l.OnHandshakeFailed(s, cause)
	})
}
