// Package tool defines the gateway contract through which the conversation
// engine executes named tool calls, plus an in-process Registry gateway that
// exposes plain Go functions as tools with JSON-schema parameter
// declarations. Remote transports (stdio/HTTP/event-stream clients) are
// external collaborators implementing the same Gateway interface.
package tool
