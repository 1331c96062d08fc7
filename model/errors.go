package model

import "errors"

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrConnectivity        = errors.New("connectivity error")
	ErrArchive             = errors.New("archive error")
	ErrReconciliation      = errors.New("reconciliation error")
	ErrAllocationExhausted = errors.New("username suffix space exhausted")
)
