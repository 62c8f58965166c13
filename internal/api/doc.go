// Package api exposes the HTTP surface for the task marketplace: task
// lifecycle operations, workflow orchestration, pricing quotes, and
// marketplace statistics. Handlers translate service errors into stable
// error codes so clients can branch without parsing messages.
package api
