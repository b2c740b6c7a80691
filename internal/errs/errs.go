// Package errs defines the domain error taxonomy shared by every stage of the
// synchronization pipeline and the propagation-policy predicates that decide
// whether a given error retries, fails a single video, suspends a channel, or
// aborts a quota-pool cycle.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification, not a concrete Go type — callers
// switch on Kind rather than doing type assertions.
type Kind int

const (
	Unknown Kind = iota

	// External metadata family.
	ChannelNotFound
	VideoNotFound
	ChannelAlreadyRegistered
	ChannelStatusSuspended
	CriteriaSubscribers
	CriteriaVideos
	CriteriaCreationDate
	QuotaLimitExceeded

	// Blockchain family.
	ApiNotConnected
	AppNotFound
	ChainUnknown
	ChainFailed
	SignCancelled
	MissingRequiredEvent
	CollaboratorNotFound
	VoucherLimit

	// Storage family.
	NoActiveStorageProvider

	// Indexer family.
	NotConnected
	OutdatedState
)

func (k Kind) String() string {
	switch k {
	case ChannelNotFound:
		return "ChannelNotFound"
	case VideoNotFound:
		return "VideoNotFound"
	case ChannelAlreadyRegistered:
		return "ChannelAlreadyRegistered"
	case ChannelStatusSuspended:
		return "ChannelStatusSuspended"
	case CriteriaSubscribers:
		return "CriteriaSubscribers"
	case CriteriaVideos:
		return "CriteriaVideos"
	case CriteriaCreationDate:
		return "CriteriaCreationDate"
	case QuotaLimitExceeded:
		return "QuotaLimitExceeded"
	case ApiNotConnected:
		return "ApiNotConnected"
	case AppNotFound:
		return "AppNotFound"
	case ChainUnknown:
		return "Unknown"
	case ChainFailed:
		return "Failed"
	case SignCancelled:
		return "SignCancelled"
	case MissingRequiredEvent:
		return "MissingRequiredEvent"
	case CollaboratorNotFound:
		return "CollaboratorNotFound"
	case VoucherLimit:
		return "VoucherLimit"
	case NoActiveStorageProvider:
		return "NoActiveStorageProvider"
	case NotConnected:
		return "NotConnected"
	case OutdatedState:
		return "OutdatedState"
	default:
		return "Unknown"
	}
}

// Classified wraps an underlying error with a Kind so call sites can apply
// the propagation policy in spec §7 without string-sniffing.
type Classified struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Classified {
	return &Classified{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Classified {
	return &Classified{Kind: kind, Msg: msg, Err: err}
}

func (c *Classified) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: %s: %v", c.Kind, c.Msg, c.Err)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Msg)
}

func (c *Classified) Unwrap() error { return c.Err }

// KindOf extracts the Kind of err, or Unknown if err isn't a *Classified.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return Unknown
}

// Is makes errors.Is match any *Classified target with the same Kind. Kind
// itself is not an error, so the target is a template such as
// errors.Is(err, &Classified{Kind: VoucherLimit}).
func (c *Classified) Is(target error) bool {
	t, ok := target.(*Classified)
	if !ok {
		return false
	}
	return t.Kind == c.Kind
}

// Retryable reports whether the propagation policy says "swallow with
// backoff, leave state unchanged" — NotConnected, SignCancelled, and plain
// (unclassified) transport errors.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NotConnected, ApiNotConnected, SignCancelled:
		return true
	case Unknown:
		// Unclassified errors default to retryable, mirroring the teacher's
		// vod.ErrorClassUnknown => treated-as-retryable stance.
		return err != nil
	default:
		return false
	}
}

// TerminalForVideo reports whether err should transition a video straight to
// VideoUnavailable rather than retry.
func TerminalForVideo(err error) bool {
	switch KindOf(err) {
	case VideoNotFound, CriteriaSubscribers, CriteriaVideos, CriteriaCreationDate:
		return true
	default:
		return false
	}
}

// TerminalForChannel reports whether err should suspend the whole channel.
func TerminalForChannel(err error) bool {
	switch KindOf(err) {
	case ChannelStatusSuspended, CollaboratorNotFound:
		return true
	default:
		return false
	}
}

// IsQuotaExhausted reports whether err should abort the current cycle for
// its pool, resuming at the next reset.
func IsQuotaExhausted(err error) bool {
	return KindOf(err) == QuotaLimitExceeded
}

// IsVoucherLimit reports whether err should halt OC for the affected channel
// without failing the process.
func IsVoucherLimit(err error) bool {
	return KindOf(err) == VoucherLimit
}
