package observability

import "testing"

func TestSetQueueDepth_Safe(_ *testing.T) {
	SetQueueDepth(7, 2)
	SetQueueDepth(0, 0)
}

func TestRecordIdempotencyReplayAndRateLimitRejection_Safe(_ *testing.T) {
	RecordIdempotencyReplay()
	RecordRateLimitRejection()
}

func TestIncDecSSEConnections_Safe(_ *testing.T) {
	IncSSEConnections()
	IncSSEConnections()
	DecSSEConnections()
	DecSSEConnections()
}
