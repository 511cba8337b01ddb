// Package service is the write entry point of the exchange. It validates
// and sequences intake, journals it, stores the order as NEW and queues
// the match trigger. Matching itself happens in the dispatcher lanes.
package service
