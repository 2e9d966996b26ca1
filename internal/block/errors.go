package block

import "errors"

// ErrNotWritable is returned by Append when the store does not hold the
// local writer's private key (the log belongs to a remote peer).
var ErrNotWritable = errors.New("block: log is not writable by this node")

// ErrNotAvailable is returned by Get when a requested sequence number was
// not supplied by any peer within the caller's deadline.
var ErrNotAvailable = errors.New("block: requested block not available")

// ErrFatal marks a store that suffered a local disk write failure; the
// log is no longer safe to use and must be reopened.
var ErrFatal = errors.New("block: fatal disk error, log must be reopened")

// ErrVerification is returned by Accept (and so by Replicate) when a
// received frame fails signature or chain-hash verification, and wrapped
// by Open when a persisted frame fails the same check on replay.
var ErrVerification = errors.New("block: signature or chain-hash verification failed")
