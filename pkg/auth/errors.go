package auth

import "errors"

var (
	// ErrRetry means the master did not admit the minion yet: the key is
	// pending, rejected with rejected_retry set, or the master is full
	ErrRetry = errors.New("authentication not granted yet, retry later")

	// ErrKeyRejected means the master rejected the minion key
	ErrKeyRejected = errors.New("minion key rejected by master")

	// ErrAuthFailed means authentication gave up after exhausting its tries
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRemote wraps an error message returned by the master
	ErrRemote = errors.New("master returned an error")
)
