package contract

import "errors"

var (
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrModelInvoke        = errors.New("model invoke failed")
	ErrPersistence        = errors.New("persistence failed")
	ErrValidation         = errors.New("validation failed")
)
