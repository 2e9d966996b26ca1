package syncengine

import "errors"

// ErrNotWritable is returned by Push when the local writer key has not
// (yet) been admitted to the Writer Set; a joiner still awaiting
// admission should keep polling rather than treat this as fatal. A
// ReadOnly engine's Push returns nil instead.
var ErrNotWritable = errors.New("syncengine: local writer not yet admitted")
