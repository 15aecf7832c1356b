package registry

import "errors"

// ErrNoSource is delivered to subscribers of a stream built without a source or binder.
var ErrNoSource = errors.New("registry: no listener source")
