// Package server is the conversation server: the HTTP boundary in front of
// the session dispatcher.
//
// # Endpoints
//
// All conversation endpoints take form-encoded POST bodies and answer JSON:
//
//   - POST /login     key1, key2            -> TOKEN, STATUS
//   - POST /logout    token                 -> STATUS
//   - POST /letschat  token, usr_id         -> CHATBOT_MESSAGE, CHAT_ENDED, CHAT_STATE, LOCALE, STATUS
//   - POST /message   token, usr_id, message -> same, plus CHATBOT_WAITING
//
// Failures always answer {ERROR_MESSAGE, ERROR_CODE, STATUS:"ERROR"} with
// 400, 401, 403, 404 or 503.
//
// Operator endpoints require the admin bearer token:
//
//   - POST /admin/enable, /admin/disable, /admin/reload
//   - GET /health, /health/ready (no auth)
//
// # Sessions
//
// Sessions live in a session.Table keyed by website and user. A request
// holds the session's slot for the whole turn, so two requests for the same
// user never interleave. A semaphore bounds the number of turns in flight.
// The sweeper archives and evicts ended or idle sessions; disabling the
// server archives all of them.
package server
