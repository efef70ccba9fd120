package ingest

import "fmt"

// Machine-readable error codes surfaced on status records.
const (
	CodeParse      = "PARSE_ERROR"
	CodeNoData     = "NO_DATA"
	CodeOracle     = "ORACLE_ERROR"
	CodeStoreWrite = "STORE_WRITE_ERROR"
)

// ParseError means the uploaded file could not be read. Fatal for the
// upload, never retried.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// NoDataError means the file parsed but contained zero records.
type NoDataError struct {
	FileName string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data rows in file %s", e.FileName)
}

// OracleError means the standardization call failed after its retry.
// The unit is marked failed but still counts toward progress.
type OracleError struct {
	Err error
}

func (e *OracleError) Error() string { return fmt.Sprintf("standardization failed: %v", e.Err) }

func (e *OracleError) Unwrap() error { return e.Err }

// StoreWriteError means the lead write failed. The unit is redelivered
// by the queue until its retry budget runs out.
type StoreWriteError struct {
	Err error
}

func (e *StoreWriteError) Error() string { return fmt.Sprintf("lead store write failed: %v", e.Err) }

func (e *StoreWriteError) Unwrap() error { return e.Err }
