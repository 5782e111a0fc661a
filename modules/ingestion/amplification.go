package ingestion

// AmplificationFactor is the ratio of VT sub-partitions to user partitions.
// A factor of 1 means every VT partition is its own leader sub-partition;
// the supplemental logic here exists for deployments where it is not, so a
// non-leader sub-partition defers to the replica actually responsible for
// producing on a user partition's behalf.
type AmplificationFactor int

// leaderSubPartition returns the VT sub-partition entitled to produce on
// behalf of userPartition under the given amplification factor: the lowest
// sub-partition index owns leadership.
func leaderSubPartition(userPartition int32, factor AmplificationFactor) int32 {
	if factor <= 1 {
		return userPartition
	}
	return userPartition * int32(factor)
}

// isLeaderSubPartition reports whether partition is the leader sub-partition
// for its user partition, used by the ITSL->LEADER transition to decide
// whether a non-leader sub-partition should fall back to STANDBY even while
// otherwise eligible for promotion.
func isLeaderSubPartition(partition, userPartition int32, factor AmplificationFactor) bool {
	return partition == leaderSubPartition(userPartition, factor)
}

// userPartitionOf inverts leaderSubPartition's mapping, recovering the user
// partition a VT sub-partition belongs to.
func userPartitionOf(partition int32, factor AmplificationFactor) int32 {
	if factor <= 1 {
		return partition
	}
	return partition / int32(factor)
}
