// Package manifest implements atomic catalog persistence for the database.
//
// # Overview
//
// The catalog records every collection (dimension, metric, id and segment
// counters, flushed LSN) and its sealed segments. Recovery starts from it:
// sealed segments come from the catalog, everything newer from the WAL.
//
// # Binary Format
//
//	Header (20 bytes):
//	  Magic    (8 bytes) - "VDBCATLG"
//	  Version  (4 bytes) - Format version (currently 1)
//	  Length   (4 bytes) - Body length in bytes
//	  Checksum (4 bytes) - CRC32-IEEE of body
//
//	Body: JSON encoding of Catalog.
//
// # Atomic Protocol
//
// Save follows a two-phase commit protocol:
//
//  1. Write the catalog blob to CATALOG-NNNNNN.bin
//  2. Update the CURRENT pointer to reference it
//
// On local filesystems, step 2 uses atomic rename. With the DynamoDB commit
// store it is a conditional write, so concurrent writers fail with
// ErrConcurrentModification instead of overwriting each other.
package manifest
