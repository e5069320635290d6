package coordinator

import "errors"

// ErrMaxWorkerLoss is returned by Call once the number of workers lost to
// crashes exceeds the configured threshold.
var ErrMaxWorkerLoss = errors.New("coordinator: maximum worker loss exceeded")

// ErrNoWorkersFound is returned by Call when every mounted worker has been
// lost and the coordinator is configured to treat that as fatal.
var ErrNoWorkersFound = errors.New("coordinator: no workers remain")

// ErrInvalidAwaitN is returned by Mount when awaitN is negative.
var ErrInvalidAwaitN = errors.New("coordinator: awaitN must be zero or positive")
