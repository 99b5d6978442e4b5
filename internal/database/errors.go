package database

import "errors"

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// ErrResolved is returned when a transition targets a dead letter that is already resolved
var ErrResolved = errors.New("dead letter already resolved")
