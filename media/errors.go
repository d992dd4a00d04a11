package media

import "errors"

// Sentinel errors for media engine operations.
var (
	// ErrNoMediaRequested indicates constraints with neither audio nor video.
	ErrNoMediaRequested = errors.New("no media requested")

	// ErrConnectionExists indicates a peer connection already exists for the user.
	ErrConnectionExists = errors.New("peer connection already exists for user")

	// ErrConnectionNotFound indicates no peer connection exists for the user.
	ErrConnectionNotFound = errors.New("no peer connection for user")

	// ErrNoLocalStream indicates no local stream has been captured.
	ErrNoLocalStream = errors.New("no local stream captured")

	// ErrNoVideoTrack indicates the operation needs a video track that is absent.
	ErrNoVideoTrack = errors.New("no video track available")

	// ErrScreenShareActive indicates screen capture is already running.
	ErrScreenShareActive = errors.New("screen capture already active")

	// ErrScreenShareInactive indicates screen capture is not running.
	ErrScreenShareInactive = errors.New("screen capture not active")

	// ErrCameraNotFound indicates the requested camera device is unknown.
	ErrCameraNotFound = errors.New("camera device not found")

	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = errors.New("media engine is closed")
)
