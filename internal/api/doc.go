// Package api exposes the HTTP surface of the agent platform: agent
// management, chat orchestration, the chat relay, feed browsing, caller
// profile and the tool gateway used by external model clients.
package api
