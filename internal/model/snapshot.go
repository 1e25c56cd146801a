package model

import "time"

// AppMetadata is one entry in a snapshot's metadata index, referenced by
// the integer AIDX field of each collapsed output line.
type AppMetadata struct {
	Index       int
	ContainerID string
	AppID       string
}

// SnapshotResult is the immutable, per-cycle output of the scheduler before
// it is handed to the merger and then to the uploader. It is explicitly
// released (see internal/memorymanager) once the uploader has consumed it.
type SnapshotResult struct {
	CycleID       string
	RunID         string
	WallStart     time.Time
	WallEnd       time.Time
	PerPIDSamples *StackSampleTable
	MetadataIndex []AppMetadata
}
