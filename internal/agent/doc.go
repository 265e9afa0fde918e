// Package agent relays conversations to human agents.
//
// # Overview
//
// When a session is owned by a human agent, each user turn is forwarded to
// a messenger relay endpoint as a form-encoded POST. The endpoint answers
// with the agent's messages and may end the chat or hand it back to the bot.
//
// # Handoff
//
// A session that has just switched to the agent owner carries the agent id
// sentinel -1. The next dispatch calls Start, which scans the ring from a
// cursor shared by all sessions:
//
//	ring:    [a0] [a1] [a2]
//	cursor:        ^
//
// The first enabled, non-removed agent of the session's group that accepts
// the transcript is bound to the session and the cursor moves just past it.
// If the whole ring refuses, the session ends with a "no agent" message.
//
// # Follow-ups
//
// UserMessage talks only to the bound agent. A failure there ends the
// session; there is no retry and no fallback to another agent.
//
// # Wire format
//
// Request fields: event (start|message), session_id, user_id, website_id,
// group, locale, agent_id, bot_name, transcript (start) and message.
//
// Reply body:
//
//	{"messages": ["..."], "ended": false, "handback": false}
package agent
