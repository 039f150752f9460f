package clustering

import "errors"

var (
	ErrClusterNotFound   = errors.New("cluster not found")
	ErrFaceNotFound      = errors.New("face not found")
	ErrCannotLink        = errors.New("operation violates a cannot-link constraint")
	ErrScanRunning       = errors.New("another scan is running")
	ErrScanNotFound      = errors.New("scan not found")
	ErrInvalidConstraint = errors.New("invalid constraint")
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrNotLoaded         = errors.New("engine state not loaded")
	ErrHistoryNotFound   = errors.New("history entry not found")
	ErrConstraintMissing = errors.New("constraint not found")
)
