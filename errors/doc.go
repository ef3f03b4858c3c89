// Package errors implements the three-class error model used across the
// synchronization core: Transient (retry may help), Invalid (bad input, never
// retry) and Fatal (stop processing).
//
// Wrap third-party errors with component context:
//
//	if err := os.WriteFile(path, data, 0o600); err != nil {
//	    return errors.WrapTransient(err, "Store", "Export", "write file")
//	}
//
// Branch on class instead of matching strings:
//
//	if errors.IsTransient(err) {
//	    // retry with backoff
//	}
//
// Domain failures unwrap to sentinels so callers can use the standard errors.Is:
//
//	_, err := store.CreateSnapshot("chk", nil)
//	if stderrors.Is(err, errors.ErrSnapshotPrecondition) {
//	    // no active epoch
//	}
package errors
