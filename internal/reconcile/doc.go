// Package reconcile retrieves durable results from the backend when no live
// stream delivered them: it polls the two-stage job snapshot of a room until
// both stages settle, and waits for streamed chunks to finish processing
// before asking for a summary.
package reconcile
