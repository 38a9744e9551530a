package math

// Epochs are one week long and aligned to unix time zero.
const (
	Week       uint64 = 7 * 24 * 60 * 60
	VoteBuffer uint64 = 60 * 60
)

// EpochStart returns the start of the epoch containing ts.
func EpochStart(ts uint64) uint64 {
	return ts - ts%Week
}

// EpochNext returns the start of the epoch after the one containing ts.
func EpochNext(ts uint64) uint64 {
	return EpochStart(ts) + Week
}

// EpochVoteStart is the first second votes are accepted in the epoch of ts.
func EpochVoteStart(ts uint64) uint64 {
	return EpochStart(ts) + VoteBuffer
}

// EpochVoteEnd is the last second votes are accepted in the epoch of ts.
func EpochVoteEnd(ts uint64) uint64 {
	return EpochNext(ts) - VoteBuffer
}

// InVoteWindow reports whether ts is outside the distribution buffers at
// both ends of its epoch.
func InVoteWindow(ts uint64) bool {
	return ts > EpochVoteStart(ts) && ts <= EpochVoteEnd(ts)
}
