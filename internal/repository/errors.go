package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrSlugTaken indicates a project slug is already reserved.
var ErrSlugTaken = errors.New("repository: slug already in use")
