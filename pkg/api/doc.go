// Package api is the HTTP control plane. It exposes project lifecycle,
// the container graph, workspace file operations, encrypted env vars,
// agent turns, and task streams over a chi router, plus a WebSocket
// terminal endpoint.
//
// Mutating substrate work (ensure, hibernate, restore, graph start,
// agent turns) is submitted to the task manager and answered with a
// task id; progress flows over the per-task SSE event stream. Errors
// map to status codes by class: not-found 404, conflict 409, user 400,
// rate-limited 429, transient 503.
package api
