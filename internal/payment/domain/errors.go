package domain

import "errors"

var (
	// ErrConfiguration means the processor credential is missing or was
	// rejected. It is fatal and never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrIssuerUnavailable means no payment handle could be obtained.
	ErrIssuerUnavailable = errors.New("payment issuer unavailable")
	// ErrTransientLookup means the processor could not answer a status
	// query; pollers treat it as pending and retry on their own cadence.
	ErrTransientLookup = errors.New("transient payment lookup error")

	ErrInvalidReference = errors.New("invalid external reference")
	ErrIgnored          = errors.New("notification ignored")
)
