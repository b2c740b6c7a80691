// Package orchestrator wires MP, DL, OC and UP into a supervised pipeline:
// each stage runs on its own ticker, DL is also woken early by the download
// signal published after each poll cycle (OC and UP also watch their
// topics, which no stage publishes to), and the whole tree shuts down stages in reverse
// pipeline order so in-flight work drains before its upstream feed does.
// A fifth, unprompted ticker runs alongside UP to probe storage node
// response time independent of upload traffic, feeding UP's bucket ranking.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/chainmirror/synch/internal/config"
	"github.com/chainmirror/synch/internal/downloader"
	"github.com/chainmirror/synch/internal/onchain"
	"github.com/chainmirror/synch/internal/poller"
	"github.com/chainmirror/synch/internal/queue"
	"github.com/chainmirror/synch/internal/store"
	"github.com/chainmirror/synch/internal/telemetry"
	"github.com/chainmirror/synch/internal/uploader"
)

// ChannelView is the subset of registry.View the orchestrator reads the
// current cycle's channel set from.
type ChannelView interface {
	EligibleChannels(ctx context.Context) ([]store.Channel, error)
	InvalidateCycle()
}

// Stages groups the already-constructed pipeline stages the orchestrator
// supervises. Building the concrete clients (platform, chain, indexer,
// storage node) is the caller's job — the orchestrator only sequences and
// supervises what it is handed.
type Stages struct {
	Registry   ChannelView
	Poller     *poller.Poller
	Downloader *downloader.Downloader
	OnChain    *onchain.OnChain
	Uploader   *uploader.Uploader
}

// Orchestrator is the OR component: a three-layer suture supervisor tree
// (ingest: MP+DL, chain: OC, delivery: UP + storage-probe), generalized
// from the teacher's data/messaging/api layering in supervisor/tree.go.
type Orchestrator struct {
	root     *suture.Supervisor
	ingest   *suture.Supervisor
	chain    *suture.Supervisor
	delivery *suture.Supervisor

	pollToken  suture.ServiceToken
	dlToken    suture.ServiceToken
	ocToken    suture.ServiceToken
	upToken    suture.ServiceToken
	probeToken suture.ServiceToken

	grace time.Duration
	bus   *queue.Bus
	log   *slog.Logger
}

// New builds the supervisor tree and registers every stage's ticker
// service, but does not start it — call Serve or ServeBackground.
func New(cfg *config.Config, st Stages, bus *queue.Bus, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	handler := &sutureslog.Handler{Logger: log}
	rootSpec := suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   cfg.Intervals.ShutdownGrace(),
	}
	childSpec := suture.Spec{Timeout: cfg.Intervals.ShutdownGrace()}

	root := suture.New("synch", rootSpec)
	ingest := suture.New("ingest", childSpec)
	chainSup := suture.New("chain", childSpec)
	delivery := suture.New("delivery", childSpec)
	root.Add(ingest)
	root.Add(chainSup)
	root.Add(delivery)

	o := &Orchestrator{root: root, ingest: ingest, chain: chainSup, delivery: delivery, grace: cfg.Intervals.ShutdownGrace(), bus: bus, log: log}

	pollInterval := cfg.Intervals.PollInterval()
	batchLimit := cfg.Limits.UploaderBatchSize
	if batchLimit <= 0 {
		batchLimit = 20
	}

	o.pollToken = ingest.Add(newTickerService("metadata-poll", pollInterval, nil, log, func(ctx context.Context) error {
		return o.runPollCycle(ctx, st)
	}))

	dlTrigger, dlSub := o.relay(queue.TopicDownload)
	o.dlToken = ingest.Add(newTickerService("download", pollInterval/2, dlTrigger, log, func(ctx context.Context) error {
		return st.Downloader.RunCycle(ctx, batchLimit)
	}))
	go o.forward(dlSub, dlTrigger)

	ocTrigger, ocSub := o.relay(queue.TopicOnChain)
	o.ocToken = chainSup.Add(newTickerService("onchain", pollInterval/2, ocTrigger, log, func(ctx context.Context) error {
		channels, err := st.Registry.EligibleChannels(ctx)
		if err != nil {
			return err
		}
		return st.OnChain.RunCycle(ctx, channels, batchLimit)
	}))
	go o.forward(ocSub, ocTrigger)

	upTrigger, upSub := o.relay(queue.TopicUpload)
	o.upToken = delivery.Add(newTickerService("upload", pollInterval/2, upTrigger, log, func(ctx context.Context) error {
		return st.Uploader.RunCycle(ctx, batchLimit)
	}))
	go o.forward(upSub, upTrigger)

	o.probeToken = delivery.Add(newTickerService("storage-probe", cfg.Intervals.StorageProbeInterval(), nil, log, func(ctx context.Context) error {
		return st.Uploader.ProbeBuckets(ctx)
	}))

	return o
}

// runPollCycle invalidates the registry's cached channel list, runs MP over
// every eligible channel, then for each one clears OC's voucher-limit halt
// (spec.md §4.6: the halt lifts when MP next refreshes that channel) and
// publishes a download-ready signal.
func (o *Orchestrator) runPollCycle(ctx context.Context, st Stages) error {
	st.Registry.InvalidateCycle()
	channels, err := st.Registry.EligibleChannels(ctx)
	if err != nil {
		return err
	}
	if err := st.Poller.RunCycle(ctx, channels); err != nil {
		return err
	}
	for _, ch := range channels {
		st.OnChain.ResetChannel(ch.ChannelID)
		if err := o.bus.Publish(queue.TopicDownload, queue.Key{ChannelID: ch.ChannelID}); err != nil {
			o.log.Warn("publish download signal failed", slog.String("channelId", ch.ChannelID), slog.Any("error", err))
		}
	}
	return nil
}

// relay subscribes to topic and returns a trigger channel a ticker service
// watches, plus the raw subscription forward drains into it.
func (o *Orchestrator) relay(topic queue.Topic) (chan struct{}, <-chan queue.Key) {
	sub, err := o.bus.Subscribe(context.Background(), topic)
	if err != nil {
		o.log.Error("subscribe failed", slog.String("topic", string(topic)), slog.Any("error", err))
		sub = make(chan queue.Key)
	}
	return make(chan struct{}, 1), sub
}

// forward drains sub into trigger, collapsing any number of pending
// deliveries into a single pending wakeup — RunCycle always re-scans every
// pending record, so a trigger only needs to mean "there may be new work",
// never "there are exactly N new items".
func (o *Orchestrator) forward(sub <-chan queue.Key, trigger chan struct{}) {
	for range sub {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

// Serve starts the tree and blocks until ctx is canceled or a stage fails
// past its restart budget.
func (o *Orchestrator) Serve(ctx context.Context) error {
	return o.root.Serve(ctx)
}

// ServeBackground starts the tree in a goroutine and returns immediately.
func (o *Orchestrator) ServeBackground(ctx context.Context) <-chan error {
	return o.root.ServeBackground(ctx)
}

// tickerService is a suture.Service that calls run on an interval, or
// immediately upon a trigger delivery, whichever comes first. It is the
// shared shape every pipeline stage above is registered with.
type tickerService struct {
	name    string
	every   time.Duration
	trigger <-chan struct{}
	log     *slog.Logger
	run     func(ctx context.Context) error
}

func newTickerService(name string, every time.Duration, trigger <-chan struct{}, log *slog.Logger, run func(ctx context.Context) error) *tickerService {
	if every <= 0 {
		every = time.Minute
	}
	return &tickerService{name: name, every: every, trigger: trigger, log: log, run: run}
}

// Serve implements suture.Service.
func (t *tickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.tick(ctx)
		case <-t.trigger:
			t.tick(ctx)
		}
	}
}

func (t *tickerService) tick(ctx context.Context) {
	telemetry.SetQueueDepth(t.name, len(t.trigger))
	if err := t.run(ctx); err != nil {
		t.log.Error("stage cycle failed", slog.String("stage", t.name), slog.Any("error", err))
	}
}

// shutdownStep names one stage's supervisor and token to drain.
type shutdownStep struct {
	sup   *suture.Supervisor
	token suture.ServiceToken
	name  string
}

// shutdownSteps returns the stages in the order Shutdown drains them:
// delivery first, intake last — spec.md §4.8's reverse-pipeline order.
// Split out from Shutdown so the ordering itself is directly testable.
func (o *Orchestrator) shutdownSteps() []shutdownStep {
	return []shutdownStep{
		{o.delivery, o.probeToken, "storage-probe"},
		{o.delivery, o.upToken, "upload"},
		{o.chain, o.ocToken, "onchain"},
		{o.ingest, o.dlToken, "download"},
		{o.ingest, o.pollToken, "metadata-poll"},
	}
}

// Shutdown stops delivery first and intake last: UP, then OC, then DL, then
// MP, each given up to its share of the configured shutdown grace to finish
// its current cycle — spec.md §4.8's reverse-pipeline drain order, so a
// video already past a stage is given the chance to clear the stage ahead
// of it before that stage's supervisor stops feeding it more work. The
// caller still owns canceling the context passed to Serve/ServeBackground
// once Shutdown returns, since the root supervisor itself has no more
// children to stop.
func (o *Orchestrator) Shutdown() error {
	steps := o.shutdownSteps()
	perStage := o.grace / time.Duration(len(steps))
	if perStage <= 0 {
		perStage = time.Second
	}
	var firstErr error
	for _, step := range steps {
		if err := step.sup.RemoveAndWait(step.token, perStage); err != nil {
			o.log.Warn("stage did not drain within grace", slog.String("stage", step.name), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
