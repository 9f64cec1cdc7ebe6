// Package dispatch routes work items to the handler registered for their
// type. Handlers are registered once at startup; Register decodes the typed
// payload so handlers never see raw JSON. A payload that does not decode is a
// permanent failure (IsPermanent); everything else, including a missing
// handler, follows the worker's normal retry policy.
package dispatch
