package broadcast

import "errors"

var (
	ErrNilRedisClient = errors.New("broadcast: redis client is nil")
	ErrEmptyChannel   = errors.New("broadcast: channel name is empty")
	ErrEncodeMessage  = errors.New("broadcast: failed to encode message")
	ErrPublishFailed  = errors.New("broadcast: failed to publish message")
)
