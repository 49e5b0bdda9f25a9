// Package model defines the data shapes and error taxonomy of the credit ledger.
//
// A LedgerRecord holds one EndpointLimit per provider endpoint a user may call.
// Every balance movement is described by an immutable TransactionEntry. The
// package has no dependencies on storage or transport so that every other
// ledger package can share it.
//
// Refill intervals use fixed unit lengths; a month is always 30 days.
package model
