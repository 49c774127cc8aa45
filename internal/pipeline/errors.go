package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/maauso/speedcut/internal/demux"
	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/mux"
	"github.com/maauso/speedcut/internal/timeline"
)

// Kind is the failure category of a run. Its numeric value is the result
// code returned by ProcessVideo.
type Kind int

// Failure categories. Zero is reserved for success.
const (
	InvalidArgument Kind = iota + 1
	SourceUnreadable
	UnsupportedFormat
	DecodeFailure
	EncodeFailure
	MuxFinalizeFailure
	Cancelled
)

// CodeOK is the result code of a successful run.
const CodeOK = 0

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case SourceUnreadable:
		return "SourceUnreadable"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case DecodeFailure:
		return "DecodeFailure"
	case EncodeFailure:
		return "EncodeFailure"
	case MuxFinalizeFailure:
		return "MuxFinalizeFailure"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code returns the numeric result code of the category.
func (k Kind) Code() int { return int(k) }

// Static errors raised by the orchestrator itself.
var (
	// ErrInvalidRequest is returned for missing or conflicting paths.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOutputBusy is returned when another run is writing the same output path.
	ErrOutputBusy = errors.New("output path is in use by another run")
)

// Error is the single terminal error of a failed run.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the category of err, or zero for nil. Errors that did not
// come from a run are classified by their underlying sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err, DecodeFailure)
}

// Code returns the result code for err: CodeOK for nil, otherwise the
// code of its category.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	return KindOf(err).Code()
}

// wrap attaches a category to err. Sentinels with a well-known category take
// precedence over fallback, so a cancelled encoder still reports Cancelled.
func wrap(fallback Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: classify(err, fallback), Op: op, Err: err}
}

func classify(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrOutputBusy),
		errors.Is(err, timeline.ErrInvalidSpeed),
		errors.Is(err, timeline.ErrInvalidRange),
		errors.Is(err, timeline.ErrInvalidDuration),
		errors.Is(err, timeline.ErrLengthMismatch):
		return InvalidArgument
	case errors.Is(err, demux.ErrUnsupportedFormat),
		errors.Is(err, demux.ErrNoVideoTrack),
		errors.Is(err, media.ErrUnsupportedCodec),
		errors.Is(err, media.ErrInvalidDimensions):
		return UnsupportedFormat
	case errors.Is(err, demux.ErrUnreadable):
		return SourceUnreadable
	case errors.Is(err, mux.ErrNoCodec), errors.Is(err, mux.ErrNonMonotonic):
		return MuxFinalizeFailure
	default:
		return fallback
	}
}
