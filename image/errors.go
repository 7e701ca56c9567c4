package image

import "errors"

var (
	ErrNotFound       = errors.New("NotFound")
	ErrImageInUse     = errors.New("ImageInUse")
	ErrInvalidArchive = errors.New("InvalidArchive")
)
