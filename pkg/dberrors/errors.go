package dberrors

import "errors"

var (
	ErrTLogStopped        = errors.New("tlog: generation stopped")
	ErrTLogGroupNotFound  = errors.New("tlog: group not found")
	ErrWorkerRemoved      = errors.New("tlog: worker removed")
	ErrRecruitmentFailed  = errors.New("tlog: recruitment failed")
	ErrFileNotFound       = errors.New("tlog: file not found")
	ErrEndOfStream        = errors.New("tlog: end of stream")
	ErrIOTimeout          = errors.New("tlog: io timeout")
	ErrCorruptedData      = errors.New("tlog: corrupted data")
	ErrProtocolViolation  = errors.New("tlog: protocol violation")
	ErrOperationObsolete  = errors.New("tlog: operation obsolete")
	ErrUnknownRecruitment = errors.New("tlog: unknown recruitment")
	ErrClosed             = errors.New("tlog: closed")
)

// codes are the stable names exposed to remote callers.
var codes = []struct {
	err  error
	code string
}{
	{ErrTLogStopped, "tlog_stopped"},
	{ErrTLogGroupNotFound, "tlog_group_not_found"},
	{ErrWorkerRemoved, "worker_removed"},
	{ErrRecruitmentFailed, "recruitment_failed"},
	{ErrFileNotFound, "file_not_found"},
	{ErrEndOfStream, "end_of_stream"},
	{ErrIOTimeout, "io_timeout"},
	{ErrCorruptedData, "corrupted_data"},
	{ErrProtocolViolation, "protocol_violation"},
	{ErrOperationObsolete, "operation_obsolete"},
	{ErrUnknownRecruitment, "unknown_recruitment"},
	{ErrClosed, "closed"},
}

// Code returns the wire code of err, or "internal" when err is not one of ours.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// IsTerminal reports whether err means the on-disk state of a group must be disposed
// of rather than kept for a future reopen.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrWorkerRemoved) ||
		errors.Is(err, ErrRecruitmentFailed) ||
		errors.Is(err, ErrFileNotFound)
}

// IsRetryElsewhere reports whether the caller should retry against a newer generation.
func IsRetryElsewhere(err error) bool {
	return errors.Is(err, ErrTLogStopped) || errors.Is(err, ErrWorkerRemoved)
}
