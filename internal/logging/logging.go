package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogSessionAccepted logs a newly accepted raw connection before a
// tlsduplex.Session is attached to it.
func LogSessionAccepted(sessionID, clientIP string, activeSessions int32) {
	log.Info().
		Str("event", "session_accepted").
		Str("session_id", sessionID).
		Str("client_ip", clientIP).
		Int32("active_sessions", activeSessions).
		Msg("accepted connection")
}

// LogHandshakeSucceeded logs a session's completed (or renegotiated)
// handshake with the fields an operator needs to spot a downgrade.
func LogHandshakeSucceeded(sessionID, clientIP, protocol string) {
	log.Info().
		Str("event", "handshake_succeeded").
		Str("session_id", sessionID).
		Str("client_ip", clientIP).
		Str("protocol", protocol).
		Msg("handshake succeeded")
}

// LogHandshakeFailed logs a session's terminal handshake/transport
// failure, including the first-failure cause.
func LogHandshakeFailed(sessionID, clientIP string, cause error) {
	log.Error().
		Str("event", "handshake_failed").
		Str("session_id", sessionID).
		Str("client_ip", clientIP).
		Err(cause).
		Msg("handshake failed")
}

// LogSessionClosed logs session teardown with its cumulative byte
// counters.
func LogSessionClosed(sessionID string, bytesIn, bytesOut int64, activeSessions int32) {
	log.Info().
		Str("event", "session_closed").
		Str("session_id", sessionID).
		Int64("bytes_in", bytesIn).
		Int64("bytes_out", bytesOut).
		Int32("active_sessions", activeSessions).
		Msg("session closed")
}
