package future

import "errors"

// ErrNilRejection is stored when a Future is rejected with a nil error.
var ErrNilRejection = errors.New("future: rejected without an error")
