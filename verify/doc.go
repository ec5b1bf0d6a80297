// Package verify moves schnorr signature verification off the ingestion
// path onto one long-lived worker goroutine.
//
// Each Verify call gets a monotonically increasing request id, is parked in
// a pending map and handed to the worker over a channel; the worker replies
// on a one-shot channel correlated by that id. A fixed timeout evicts the
// pending entry so a stuck worker never hangs a caller, and the stuck worker
// is discarded so the next call starts a fresh one. Terminate stops the
// worker and fails every outstanding request.
//
// An invalid signature is (false, nil). Errors mean the infrastructure
// failed: timeout, termination or a worker crash.
package verify
