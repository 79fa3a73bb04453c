package database

import "errors"

var (
	ErrNotFound    = errors.New("document not found")
	ErrDuplicate   = errors.New("duplicate document")
	ErrConnection  = errors.New("database connection error")
	ErrTransaction = errors.New("transaction error")
)
