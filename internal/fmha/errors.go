package fmha

// Error is a precondition failure reported before any work is dispatched.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrShape        = Error("tensor shape mismatch")
	ErrDType        = Error("unsupported or mismatched dtype")
	ErrLocation     = Error("buffer is not resident on the engine device")
	ErrStride       = Error("innermost stride must be 1")
	ErrHeadDim      = Error("unsupported head dimension")
	ErrArch         = Error("unsupported hardware generation")
	ErrBatch        = Error("batch size must be positive")
	ErrDropout      = Error("invalid dropout configuration")
	ErrSplits       = Error("invalid split count")
	ErrOffsets      = Error("invalid sequence offsets")
	ErrBlockMask    = Error("invalid block mask")
	ErrPlanMismatch = Error("request does not match backward plan")
)
