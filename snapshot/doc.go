// Package snapshot publishes read-only depth views of the order books.
// Each symbol's lane replaces its snapshot after every committed pass;
// readers load the latest one without touching the book.
package snapshot
