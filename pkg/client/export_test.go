package client

func chunkParams() (threshold, size int64) {
	return ChunkThreshold, ChunkSize
}

func setChunkParams(threshold, size int64) {
	ChunkThreshold = threshold
	ChunkSize = size
}
