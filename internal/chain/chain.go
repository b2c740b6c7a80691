// Package chain models the blockchain submission boundary OC (spec.md §4.6)
// depends on: a createVideo extrinsic returns one of three outcomes —
// Finalized, Failed, or Rejected — re-expressed as a sum type per spec.md
// §9's design note, rather than an exception thrown mid-pipeline.
package chain

import (
	"context"
	"fmt"
)

// Event is one event emitted by a finalized extrinsic.
type Event struct {
	Name string
	Data map[string]string
}

// Outcome is the sum type spec.md §9 calls for: exactly one of Finalized,
// Failed, or Rejected is populated, and Kind says which.
type Outcome struct {
	Kind OutcomeKind

	// Finalized
	Events []Event

	// Failed
	FailureKind string
	FailureMsg  string
}

type OutcomeKind int

const (
	Finalized OutcomeKind = iota
	Failed
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Finalized:
		return "Finalized"
	case Failed:
		return "Failed"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// EventNamed returns the first event with the given name, or false.
func (o Outcome) EventNamed(name string) (Event, bool) {
	for _, e := range o.Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// CreateVideoRequest is what OC submits per spec.md §4.6: the two staged
// data objects (media, thumbnail) attached to a createVideo extrinsic,
// signed by the channel's collaborator account.
type CreateVideoRequest struct {
	SignerAccount      string
	JoystreamChannelID string
	MediaPath          string
	ThumbnailPath      string
	Title              string
	Description        string
}

// Client is OC's external dependency: submit a createVideo extrinsic and
// block until it reaches a terminal outcome.
type Client interface {
	SubmitCreateVideo(ctx context.Context, req CreateVideoRequest) (Outcome, error)
	Close() error
}

// String renders an Outcome for logging.
func (o Outcome) String() string {
	switch o.Kind {
	case Finalized:
		return fmt.Sprintf("Finalized(events=%d)", len(o.Events))
	case Failed:
		return fmt.Sprintf("Failed(%s: %s)", o.FailureKind, o.FailureMsg)
	default:
		return "Rejected"
	}
}
