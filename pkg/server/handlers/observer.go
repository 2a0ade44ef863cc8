// Package handlers contains the HTTP handlers for the protocol endpoints.
package handlers

// CompletionInfo accompanies the final progress event of a file.
type CompletionInfo struct {
	FilePath         string
	TotalTimeSeconds float64
	AverageSpeed     float64
}

// ProgressFunc observes inbound transfer progress. It is invoked at most
// every progressInterval while a chunk streams and once with finished=true
// when the file completes. It runs on the request-handling goroutine and
// must not block for long.
type ProgressFunc func(fileID, fileName string, received, total int64, bytesPerSec float64, finished bool, info *CompletionInfo)
