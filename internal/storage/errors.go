package storage

import "errors"

// ErrInvalidSeries is returned when a series lacks a symbol or interval.
var ErrInvalidSeries = errors.New("series needs a symbol and interval")
