package cdc

// LogicalTransport is the contract a vendor-specific log-based CDC
// transport (Postgres logical replication, MySQL binlog, etc.) must satisfy
// to plug into the Ingestor. Only the interface is specified here: decoding
// a replication stream's wire format, managing replication slots, and
// handling backend-specific reconnection semantics are vendor concerns
// outside this module's scope. A real implementation decodes its backend's
// native change format into RawChange values (an update still decomposed
// into one OpDelete on the old value followed by one OpInsert on the new
// one) and satisfies Transport directly — LogicalTransport exists only to
// document that contract; no decoder is provided here.
//
// The Outbox transport in this package is the trigger-based alternative
// that ships in full: it needs no replication privileges or backend-specific
// wire decoding, at the cost of added write load on the tracked tables.
type LogicalTransport interface {
	Transport

	// Backend names the source this transport decodes, e.g. "postgres" or
	// "mysql", for logging and metrics labeling.
	Backend() string
}
