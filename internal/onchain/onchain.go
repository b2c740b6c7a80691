// Package onchain implements OC (spec.md §4.6): submit the createVideo
// extrinsic for videos that have bytes staged locally, serialized per
// channel because the underlying signer is sequential, and translate the
// three-way transaction outcome into the video state machine.
package onchain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/chainmirror/synch/internal/chain"
	"github.com/chainmirror/synch/internal/errs"
	"github.com/chainmirror/synch/internal/store"
)

// ChainClient is the subset of chain.Client OC depends on.
type ChainClient interface {
	SubmitCreateVideo(ctx context.Context, req chain.CreateVideoRequest) (chain.Outcome, error)
}

// VideoLister is the subset of store.Store OC depends on to find work.
type VideoLister interface {
	ListVideosPendingOnChain(ctx context.Context, channelID string, limit int) ([]store.Video, error)
}

// VideoStore is the subset of store.Store OC depends on to persist results.
type VideoStore interface {
	PutVideo(ctx context.Context, v store.Video) error
}

// OnChain implements OC.
type OnChain struct {
	client ChainClient
	lister VideoLister
	videos VideoStore

	signers *signerLocks
	halted  haltedChannels

	log *slog.Logger
}

// New builds an OnChain wired to its collaborators.
func New(client ChainClient, lister VideoLister, videos VideoStore, log *slog.Logger) *OnChain {
	if log == nil {
		log = slog.Default()
	}
	return &OnChain{
		client:  client,
		lister:  lister,
		videos:  videos,
		signers: newSignerLocks(),
		halted:  newHaltedChannels(),
		log:     log,
	}
}

// RunCycle drains up to limit pending-on-chain videos for each channel.
// Channels make progress independently (no ordering across channels);
// within a channel, submissions are exclusive because of the per-signer
// lock acquired in submitForChannel.
func (o *OnChain) RunCycle(ctx context.Context, channels []store.Channel, limit int) error {
	for _, ch := range channels {
		if o.halted.isHalted(ch.ChannelID) {
			continue
		}
		videos, err := o.lister.ListVideosPendingOnChain(ctx, ch.ChannelID, limit)
		if err != nil {
			o.log.Error("list pending on-chain videos failed", slog.String("component", "onchain"),
				slog.String("channelId", ch.ChannelID), slog.Any("error", err))
			continue
		}
		for _, v := range videos {
			if err := o.submitForChannel(ctx, ch, v); err != nil {
				o.log.Error("on-chain submission failed", slog.String("component", "onchain"),
					slog.String("channelId", ch.ChannelID), slog.String("videoId", v.VideoID), slog.Any("error", err))
			}
		}
	}
	return nil
}

// ResetChannel clears OC's voucher-limit halt for a channel, called by the
// orchestrator once MP has refreshed that channel (spec.md §4.6: "halt OC
// for this channel until the next channel refresh").
func (o *OnChain) ResetChannel(channelID string) {
	o.halted.clear(channelID)
}

// submitForChannel acquires the channel's signer lock (spec.md §5: "Signer:
// exclusive per signer account" — here one signer per channel) and submits
// a single video's createVideo extrinsic.
func (o *OnChain) submitForChannel(ctx context.Context, ch store.Channel, v store.Video) error {
	unlock := o.signers.lock(ch.ChannelID)
	defer unlock()

	req := chain.CreateVideoRequest{
		// The transaction builder/signer is out of scope (spec.md §1); OC
		// only names which channel's collaborator must sign.
		SignerAccount:      ch.JoystreamChannelID,
		JoystreamChannelID: ch.JoystreamChannelID,
		MediaPath:          v.LocalMediaPath,
		ThumbnailPath:      v.ThumbnailURL,
		Title:              v.Title,
		Description:        v.Description,
	}

	outcome, err := o.client.SubmitCreateVideo(ctx, req)
	if err != nil {
		if errs.Retryable(err) {
			return nil // swallowed: retryable, state unchanged, try again next cycle
		}
		return o.markCreationFailed(ctx, v)
	}

	return o.applyOutcome(ctx, ch, v, outcome)
}

// applyOutcome implements the transaction-outcome handling table in
// spec.md §4.6.
func (o *OnChain) applyOutcome(ctx context.Context, ch store.Channel, v store.Video, outcome chain.Outcome) error {
	switch outcome.Kind {
	case chain.Finalized:
		created, hasCreated := outcome.EventNamed("VideoCreated")
		_, hasUploaded := outcome.EventNamed("DataObjectsUploaded")
		if !hasCreated || !hasUploaded {
			o.log.Warn("finalized extrinsic missing required event", slog.String("component", "onchain"),
				slog.String("channelId", ch.ChannelID), slog.String("videoId", v.VideoID))
			return o.markCreationFailed(ctx, v)
		}
		v.State = store.StateVideoCreated
		v.JoystreamVideo = &store.JoystreamVideo{
			ID:       created.Data["videoId"],
			AssetIDs: [2]string{created.Data["mediaAssetId"], created.Data["thumbnailAssetId"]},
		}
		v.UpdatedAt = time.Now().UTC()
		return o.videos.PutVideo(ctx, v)

	case chain.Rejected:
		return nil // SignCancelled-equivalent: retryable without state change

	case chain.Failed:
		if isVoucherFailure(outcome.FailureKind) {
			o.halted.halt(ch.ChannelID)
			o.log.Warn("voucher size limit exceeded, halting channel", slog.String("component", "onchain"),
				slog.String("channelId", ch.ChannelID))
			return nil // halt is channel-level, not a per-video failure
		}
		return o.markCreationFailed(ctx, v)

	default:
		return o.markCreationFailed(ctx, v)
	}
}

func isVoucherFailure(failureKind string) bool {
	return failureKind == "VoucherSizeLimitExceeded"
}

func (o *OnChain) markCreationFailed(ctx context.Context, v store.Video) error {
	if !store.CanTransition(v.State, store.StateVideoCreationFailed) {
		return nil
	}
	v.State = store.StateVideoCreationFailed
	v.UpdatedAt = time.Now().UTC()
	return o.videos.PutVideo(ctx, v)
}

// signerLocks hands out an exclusive lock per channel id, generalizing the
// teacher's single global download semaphore (vod/concurrency.go) to one
// lane per signer account.
type signerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSignerLocks() *signerLocks {
	return &signerLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *signerLocks) lock(channelID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channelID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// haltedChannels tracks the VoucherLimit channel-level halt using a
// gobreaker.CircuitBreaker per channel: halt() trips it open by feeding it
// one failure, isHalted() checks its state, and ResetChannel drops it
// entirely so the next attempt starts from a clean Closed breaker.
type haltedChannels struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func newHaltedChannels() haltedChannels {
	return haltedChannels{breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (h *haltedChannels) breakerFor(channelID string) *gobreaker.CircuitBreaker[any] {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[channelID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "onchain-" + channelID,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     24 * time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		})
		h.breakers[channelID] = cb
	}
	return cb
}

func (h *haltedChannels) isHalted(channelID string) bool {
	return h.breakerFor(channelID).State() == gobreaker.StateOpen
}

func (h *haltedChannels) halt(channelID string) {
	cb := h.breakerFor(channelID)
	_, _ = cb.Execute(func() (any, error) { return nil, errVoucherLimit })
}

func (h *haltedChannels) clear(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.breakers, channelID)
}

var errVoucherLimit = errs.New(errs.VoucherLimit, "voucher size limit exceeded")
