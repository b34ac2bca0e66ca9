package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/checkpoint"
	"github.com/blockberries/finberry/finality"
	"github.com/blockberries/finberry/forkchoice"
	"github.com/blockberries/finberry/metrics"
	"github.com/blockberries/finberry/privval"
	"github.com/blockberries/finberry/registry"
	"github.com/blockberries/finberry/rewards"
	"github.com/blockberries/finberry/scheduler"
	"github.com/blockberries/finberry/slashing"
	"github.com/blockberries/finberry/types"
	"github.com/blockberries/finberry/wal"
)

// Errors
var (
	ErrNotStarted     = errors.New("node not started")
	ErrAlreadyStarted = errors.New("node already started")
)

// Options configures a node.
type Options struct {
	ChainID string

	// Genesis anchor: the block everything must descend from.
	GenesisHash   types.Hash
	GenesisHeight int64

	// SlotInterval paces leader rotation; RoundTimeout (plus Delta per extra
	// round) escalates a stalled height to its next round.
	SlotInterval      time.Duration
	RoundTimeout      time.Duration
	RoundTimeoutDelta time.Duration

	SchedulerPolicy scheduler.Policy

	Registry   registry.Config
	ForkChoice forkchoice.Config
	Finality   finality.Config
	Checkpoint checkpoint.Config
	Slashing   slashing.Config
	Rewards    rewards.Config
}

// DefaultOptions returns defaults for a single-chain validator node.
func DefaultOptions(chainID string) Options {
	reg := registry.DefaultConfig()
	reg.ChainID = chainID
	fin := finality.DefaultConfig()
	fin.ChainID = chainID
	ckpt := checkpoint.DefaultConfig()
	ckpt.ChainID = chainID
	sl := slashing.DefaultConfig()
	sl.ChainID = chainID
	return Options{
		ChainID:           chainID,
		SlotInterval:      time.Second,
		RoundTimeout:      3 * time.Second,
		RoundTimeoutDelta: 500 * time.Millisecond,
		SchedulerPolicy:   scheduler.PolicyWeightedRandom,
		Registry:          reg,
		ForkChoice:        forkchoice.DefaultConfig(),
		Finality:          fin,
		Checkpoint:        ckpt,
		Slashing:          sl,
		Rewards:           rewards.DefaultConfig(),
	}
}

// ValidateBasic checks the options for internal consistency.
func (o Options) ValidateBasic() error {
	if o.ChainID == "" {
		return fmt.Errorf("chain ID must not be empty")
	}
	if o.SlotInterval <= 0 {
		return fmt.Errorf("slot interval must be positive")
	}
	if o.RoundTimeout <= 0 {
		return fmt.Errorf("round timeout must be positive")
	}
	if o.Registry.EpochLength == 0 {
		return fmt.Errorf("epoch length must be positive")
	}
	if err := o.Finality.ValidateBasic(); err != nil {
		return fmt.Errorf("finality: %w", err)
	}
	if err := o.Slashing.ValidateBasic(); err != nil {
		return fmt.Errorf("slashing: %w", err)
	}
	if err := o.Rewards.ValidateBasic(); err != nil {
		return fmt.Errorf("rewards: %w", err)
	}
	return nil
}

// RewardSink receives accumulated rewards at each epoch boundary. The
// treasury lives outside this core; the sink is its boundary.
type RewardSink interface {
	Credit(addr types.Address, amount int64)
}

// PayloadSource supplies the execution payload for blocks this node
// assembles as leader. The payload is opaque to consensus; a nil source
// proposes empty blocks.
type PayloadSource interface {
	NextPayload(height int64, parent types.Hash) (txs [][]byte, stateRoot types.Hash)
}

// Deps are the node's external collaborators. StakeSource is required;
// everything else has a working default.
type Deps struct {
	StakeSource registry.StakeSource
	Signer      privval.Signer // nil for observer nodes
	WAL         wal.WAL        // nil for NopWAL
	Broadcaster Broadcaster
	RewardSink  RewardSink
	Payload     PayloadSource // nil proposes empty blocks
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// checkpointSig is one delivered checkpoint attestation.
type checkpointSig struct {
	height int64
	index  uint16
	sig    types.Signature
}

// dutyKey identifies one signing duty.
type dutyKey struct {
	height int64
	round  int32
	phase  types.VotePhase
}

// Node wires the consensus components together and serializes every state
// mutation through one event loop: delivered blocks, votes, and checkpoint
// signatures in; finalized records, our own votes, and slashing out.
type Node struct {
	mu   sync.Mutex
	opts Options

	logger zerolog.Logger
	// Unscoped parent logger, kept for components rebuilt after recovery.
	baseLogger zerolog.Logger
	metrics    *metrics.Metrics

	signer      privval.Signer
	walLog      wal.WAL
	broadcaster Broadcaster
	rewardSink  RewardSink
	payload     PayloadSource

	reg     *registry.Registry
	sched   *scheduler.Scheduler
	fc      *forkchoice.ForkChoice
	gadget  *finality.Gadget
	ckpt    *checkpoint.System
	detect  *slashing.Detector
	slasher *slashing.Manager
	rewards *rewards.Calculator

	stream *streamHub
	ticker *SlotTicker

	blockCh chan *types.Block
	voteCh  chan *types.Vote
	ckptCh  chan checkpointSig

	// Event-loop state. Touched only by run() after Start.
	epoch         uint64
	slot          uint64
	round         int32
	ourIndex      uint16
	inSet         bool
	signedDuties  map[dutyKey]types.Hash
	hasProposed   bool
	proposedSlot  uint64
	proposedRound int32
	finalizedQ   []finality.FinalizedEvent
	sealedQ      []*types.Checkpoint
	ledger       map[types.Address]int64
	reportedDrop uint64
	replaying    bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a node. The first validator set is rotated in immediately so
// every component starts with a frozen epoch.
func New(opts Options, deps Deps) (*Node, error) {
	if err := opts.ValidateBasic(); err != nil {
		return nil, err
	}
	if deps.StakeSource == nil {
		return nil, fmt.Errorf("stake source is required")
	}
	if deps.WAL == nil {
		deps.WAL = &wal.NopWAL{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}

	logger := deps.Logger.With().Str("component", "node").Logger()

	n := &Node{
		opts:         opts,
		logger:       logger,
		baseLogger:   deps.Logger,
		metrics:      deps.Metrics,
		signer:       deps.Signer,
		walLog:       deps.WAL,
		broadcaster:  deps.Broadcaster,
		rewardSink:   deps.RewardSink,
		payload:      deps.Payload,
		stream:       newStreamHub(opts.GenesisHeight),
		ticker:       NewSlotTicker(opts.SlotInterval),
		blockCh:      make(chan *types.Block, 64),
		voteCh:       make(chan *types.Vote, 1024),
		ckptCh:       make(chan checkpointSig, 64),
		signedDuties: make(map[dutyKey]types.Hash),
		ledger:       make(map[types.Address]int64),
	}

	n.reg = registry.New(opts.Registry, deps.StakeSource, deps.Logger)
	n.sched = scheduler.New(opts.SchedulerPolicy, deps.Logger)
	n.fc = forkchoice.New(opts.ForkChoice, opts.GenesisHash, opts.GenesisHeight, deps.Logger)

	if _, err := n.reg.Rotate(0, opts.GenesisHash); err != nil {
		return nil, fmt.Errorf("initial rotation: %w", err)
	}
	epoch, err := n.reg.CurrentEpoch()
	if err != nil {
		return nil, err
	}
	n.sched.SetEpoch(epoch)
	n.fc.SetValidatorSet(epoch.Set)

	n.gadget, err = finality.New(
		opts.Finality,
		opts.GenesisHash,
		opts.GenesisHeight,
		epoch.Set,
		n.onFinalized,
		n.onAlarm,
		deps.Logger,
	)
	if err != nil {
		return nil, err
	}

	n.ckpt, err = checkpoint.New(opts.Checkpoint, n.onSealed, deps.Logger)
	if err != nil {
		return nil, err
	}
	n.ckpt.SetValidatorSet(epoch.Set)

	n.detect = slashing.NewDetector(opts.ChainID, opts.Slashing.MaxAgeBlocks, deps.Logger)
	n.detect.SetValidatorSet(epoch.Set)
	n.slasher, err = slashing.NewManager(opts.Slashing, n.reg, deps.Logger)
	if err != nil {
		return nil, err
	}
	n.slasher.SetValidatorSet(epoch.Set)

	n.rewards, err = rewards.New(opts.Rewards)
	if err != nil {
		return nil, err
	}

	n.resolveIdentity(epoch.Set)
	return n, nil
}

// resolveIdentity finds our validator index in the frozen set.
func (n *Node) resolveIdentity(set *types.ValidatorSet) {
	n.inSet = false
	if n.signer == nil || set == nil {
		return
	}
	if v := set.GetByAddress(n.signer.Address()); v != nil {
		n.ourIndex = v.Index
		n.inSet = true
	}
}

// Start replays the WAL, then starts the ticker and the event loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.walLog.Start(); err != nil {
		return fmt.Errorf("starting WAL: %w", err)
	}
	if err := n.replayWAL(); err != nil {
		return fmt.Errorf("replaying WAL: %w", err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.started = true

	n.ticker.Start()
	n.ticker.ScheduleTimeout(TimeoutInfo{
		Duration: n.opts.RoundTimeout,
		Height:   n.gadget.FinalizedHeight() + 1,
		Round:    0,
	})

	n.wg.Add(1)
	go n.run()
	return nil
}

// Stop stops the event loop and flushes the WAL.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	n.mu.Unlock()

	n.cancel()
	n.ticker.Stop()
	n.wg.Wait()
	return n.walLog.Stop()
}

// DeliverBlock hands a candidate block to the event loop. Safe to call from
// any goroutine; duplicate and out-of-order delivery is tolerated.
func (n *Node) DeliverBlock(ctx context.Context, block *types.Block) error {
	if block == nil {
		return fmt.Errorf("nil block")
	}
	select {
	case n.blockCh <- block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverVote hands a signed vote to the event loop.
func (n *Node) DeliverVote(ctx context.Context, vote *types.Vote) error {
	if vote == nil {
		return types.ErrInvalidVote
	}
	select {
	case n.voteCh <- vote:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverCheckpointSignature hands a checkpoint attestation to the event
// loop.
func (n *Node) DeliverCheckpointSignature(ctx context.Context, height int64, index uint16, sig types.Signature) error {
	select {
	case n.ckptCh <- checkpointSig{height: height, index: index, sig: sig}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinalizedStream opens a restartable stream of finalized records starting
// at fromHeight.
func (n *Node) FinalizedStream(fromHeight int64) (*Stream, error) {
	return n.stream.subscribe(fromHeight)
}

// FinalizedHeight returns the latest finalized height.
func (n *Node) FinalizedHeight() int64 {
	return n.gadget.FinalizedHeight()
}

// Halted reports whether the finality gadget hit a safety violation.
func (n *Node) Halted() (bool, error) {
	return n.gadget.Halted()
}

// Rewards returns a copy of the accumulated reward ledger for the epoch in
// progress.
func (n *Node) Rewards() map[types.Address]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[types.Address]int64, len(n.ledger))
	for addr, amt := range n.ledger {
		out[addr] = amt
	}
	return out
}

// run is the event loop. All consensus mutation happens here.
func (n *Node) run() {
	defer n.wg.Done()

	// If we hold block-production duty for the opening slot, nothing else
	// will trigger it before the first delivery or tick.
	n.performDuties()
	n.drainFinalized()

	for {
		select {
		case <-n.ctx.Done():
			return

		case block := <-n.blockCh:
			n.handleBlock(block, true)

		case vote := <-n.voteCh:
			n.handleVote(vote, true)

		case cs := <-n.ckptCh:
			n.handleCheckpointSig(cs, true)

		case slot := <-n.ticker.Slots():
			n.handleSlot(slot)

		case ti := <-n.ticker.Timeouts():
			n.handleTimeout(ti)
		}
	}
}

// onFinalized runs under the gadget lock; it only queues.
func (n *Node) onFinalized(ev finality.FinalizedEvent) {
	n.finalizedQ = append(n.finalizedQ, ev)
}

// onSealed runs under the checkpoint lock; it only queues.
func (n *Node) onSealed(cp *types.Checkpoint) {
	n.sealedQ = append(n.sealedQ, cp)
}

func (n *Node) onAlarm(err error) {
	n.logger.Error().Err(err).Msg("SAFETY VIOLATION: finality halted")
}

func (n *Node) handleBlock(block *types.Block, logToWAL bool) {
	if logToWAL {
		if msg, err := wal.NewBlockMessage(block); err == nil {
			if werr := n.walLog.Write(msg); werr != nil {
				n.logger.Error().Err(werr).Msg("WAL write failed")
			}
		}
	}

	if _, err := n.fc.OnBlock(block); err != nil {
		n.logger.Debug().
			Err(err).
			Int64("height", block.Header.Height).
			Str("hash", block.Hash().Short()).
			Msg("block rejected by fork choice")
		return
	}
	if err := n.gadget.OnBlock(block); err != nil {
		n.logger.Debug().Err(err).Msg("block rejected by finality")
		return
	}

	if block.ParentQC != nil {
		// Late-join shortcut: a valid parent certificate proves the parent
		// final without the vote stream.
		epoch, err := n.reg.CurrentEpoch()
		if err == nil {
			qcErr := types.VerifyQuorumCertificate(
				n.opts.ChainID, epoch.Set, block.Header.ParentHash, block.Header.Height-1, block.ParentQC)
			if qcErr == nil {
				if err := n.gadget.MarkFinalized(block.Header.ParentHash); err != nil {
					n.logger.Debug().Err(err).Msg("parent certificate not applicable")
				}
			}
		}
	}

	n.performDuties()
	n.drainFinalized()
}

func (n *Node) handleVote(vote *types.Vote, logToWAL bool) {
	if logToWAL {
		if msg, err := wal.NewVoteMessage(vote); err == nil {
			if werr := n.walLog.Write(msg); werr != nil {
				n.logger.Error().Err(werr).Msg("WAL write failed")
			}
		}
	}

	// Observe verifies the signature itself; a forged vote must not occupy
	// the duty slot a real equivocation pair would land in.
	if ev, err := n.detect.Observe(vote); err == nil && ev != nil {
		n.handleEvidence(ev, true)
	}

	n.fc.OnVote(vote)
	if err := n.gadget.OnVote(vote); err != nil {
		// Conflicts were already captured as evidence above.
		n.logger.Debug().Err(err).Msg("vote rejected by finality")
	}

	n.performDuties()
	n.drainFinalized()
}

func (n *Node) handleCheckpointSig(cs checkpointSig, logToWAL bool) {
	if logToWAL {
		if msg, err := wal.NewCheckpointSigMessage(cs.height, cs.index, cs.sig); err == nil {
			if werr := n.walLog.Write(msg); werr != nil {
				n.logger.Error().Err(werr).Msg("WAL write failed")
			}
		}
	}

	if _, err := n.ckpt.AddSignature(cs.height, cs.index, cs.sig); err != nil {
		n.logger.Debug().Err(err).Int64("height", cs.height).Msg("checkpoint signature rejected")
	}
	n.drainSealed()
	n.drainFinalized()
}

func (n *Node) handleEvidence(ev *types.Evidence, logToWAL bool) {
	if logToWAL {
		if msg, err := wal.NewEvidenceMessage(ev); err == nil {
			if werr := n.walLog.WriteSync(msg); werr != nil {
				n.logger.Error().Err(werr).Msg("WAL write failed")
			}
		}
	}

	outcome, err := n.slasher.ProcessEvidence(ev)
	if err != nil {
		n.logger.Warn().Err(err).Msg("evidence processing failed")
		return
	}
	if outcome == slashing.OutcomeSlashed {
		n.metrics.ObserveSlashing(ev.Type.String())
		n.broadcaster.BroadcastEvidence(ev)
	}
}

// handleSlot advances the slot clock and rotates the epoch at boundaries.
func (n *Node) handleSlot(slot uint64) {
	n.slot = slot
	epoch := slot / n.opts.Registry.EpochLength
	if epoch != n.epoch {
		n.rotateEpoch(epoch)
	}
	n.performDuties()
	n.drainFinalized()
}

// handleTimeout escalates a stalled height to the next round so backup
// leaders and fresh votes can unblock it.
func (n *Node) handleTimeout(ti TimeoutInfo) {
	height := n.gadget.FinalizedHeight() + 1
	if ti.Height != height {
		// Stale: the height advanced while the timer was armed.
		n.scheduleRoundTimeout()
		return
	}

	n.round++
	n.logger.Info().
		Int64("height", height).
		Int32("round", n.round).
		Msg("round escalation")
	n.scheduleRoundTimeout()

	n.performDuties()
	n.drainFinalized()
}

func (n *Node) scheduleRoundTimeout() {
	if n.replaying {
		return
	}
	n.ticker.ScheduleTimeout(TimeoutInfo{
		Duration: n.opts.RoundTimeout + time.Duration(n.round)*n.opts.RoundTimeoutDelta,
		Height:   n.gadget.FinalizedHeight() + 1,
		Round:    n.round,
	})
}

// rotateEpoch freezes the next validator set and pushes it everywhere.
// Accumulated rewards flush to the sink at the boundary.
func (n *Node) rotateEpoch(epoch uint64) {
	delta, err := n.reg.Rotate(epoch, n.gadget.FinalizedHash())
	if err != nil {
		n.logger.Error().Err(err).Uint64("epoch", epoch).Msg("epoch rotation failed")
		return
	}
	n.epoch = epoch

	current, err := n.reg.CurrentEpoch()
	if err != nil {
		return
	}
	n.sched.SetEpoch(current)
	n.fc.SetValidatorSet(current.Set)
	n.gadget.SetValidatorSet(current.Set)
	n.ckpt.SetValidatorSet(current.Set)
	n.detect.SetValidatorSet(current.Set)
	n.slasher.SetValidatorSet(current.Set)
	n.resolveIdentity(current.Set)

	n.flushRewards()

	n.logger.Info().
		Uint64("epoch", epoch).
		Int("added", len(delta.Added)).
		Int("removed", len(delta.Removed)).
		Msg("epoch rotated")
}

func (n *Node) flushRewards() {
	n.mu.Lock()
	ledger := n.ledger
	n.ledger = make(map[types.Address]int64)
	n.mu.Unlock()

	if n.rewardSink == nil {
		return
	}
	for addr, amt := range ledger {
		n.rewardSink.Credit(addr, amt)
	}
}

// performDuties does everything the current slot and head entitle us to do:
// assemble a block if we hold production duty, sign a prepare vote for a
// fresh head, then a commit vote once the head is Prepared. Each action can
// advance the head or the status, so the loop runs until nothing new is
// owed. Voting duties are signed at most once per (height, round, phase);
// production duty at most once per (slot, round).
func (n *Node) performDuties() {
	if n.replaying || n.signer == nil || !n.inSet {
		return
	}
	if halted, _ := n.gadget.Halted(); halted {
		return
	}

	for {
		progressed := n.proposeIfLeader()

		head := n.fc.Head()
		if block := n.fc.Block(head); block != nil {
			switch n.gadget.Status(head) {
			case finality.StatusProposed:
				progressed = n.signVote(types.VotePhasePrepare, block) || progressed
			case finality.StatusPrepared:
				progressed = n.signVote(types.VotePhasePrepare, block) || progressed
				progressed = n.signVote(types.VotePhaseCommit, block) || progressed
			}
		}
		if !progressed {
			return
		}
	}
}

// currentLeader resolves block-production duty for the current slot and
// round: round 0 is the scheduled leader, each escalation hands duty to the
// next backup.
func (n *Node) currentLeader() (*types.Validator, error) {
	if n.round == 0 {
		return n.sched.LeaderFor(n.slot)
	}
	backups, err := n.sched.BackupsFor(n.slot, int(n.round))
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return n.sched.LeaderFor(n.slot)
	}
	return backups[(int(n.round)-1)%len(backups)], nil
}

// proposeIfLeader assembles and broadcasts a block on the canonical head
// when this node holds production duty. Reports whether a proposal was
// made.
func (n *Node) proposeIfLeader() bool {
	if n.hasProposed && n.proposedSlot == n.slot && n.proposedRound == n.round {
		return false
	}
	leader, err := n.currentLeader()
	if err != nil || leader == nil || leader.Address != n.signer.Address() {
		return false
	}

	head := n.fc.Head()
	height := n.gadget.FinalizedHeight() + 1
	if parent := n.fc.Block(head); parent != nil {
		height = parent.Header.Height + 1
	}
	epoch, err := n.reg.CurrentEpoch()
	if err != nil {
		return false
	}

	var txs [][]byte
	var stateRoot types.Hash
	if n.payload != nil {
		txs, stateRoot = n.payload.NextPayload(height, head)
	}

	block := &types.Block{
		Header: types.BlockHeader{
			ChainID:        n.opts.ChainID,
			Height:         height,
			Time:           time.Now().UnixNano(),
			ParentHash:     head,
			StateRoot:      stateRoot,
			ValidatorsHash: epoch.Set.Hash(),
			Proposer:       n.signer.Address(),
			ProposerIndex:  n.ourIndex,
		},
		Txs:      txs,
		ParentQC: n.gadget.Certificate(head),
	}

	n.hasProposed = true
	n.proposedSlot = n.slot
	n.proposedRound = n.round

	if msg, err := wal.NewBlockMessage(block); err == nil {
		if werr := n.walLog.WriteSync(msg); werr != nil {
			n.logger.Error().Err(werr).Msg("WAL write failed")
		}
	}
	if _, err := n.fc.OnBlock(block); err != nil {
		n.logger.Warn().Err(err).Msg("own proposal rejected by fork choice")
		return true
	}
	if err := n.gadget.OnBlock(block); err != nil {
		n.logger.Warn().Err(err).Msg("own proposal rejected by finality")
		return true
	}
	n.broadcaster.BroadcastBlock(block)

	n.logger.Info().
		Int64("height", height).
		Str("hash", block.Hash().Short()).
		Str("parent", head.Short()).
		Msg("block proposed")
	return true
}

// signVote signs one voting duty, unless already signed. Reports whether a
// vote was produced and applied.
func (n *Node) signVote(phase types.VotePhase, block *types.Block) bool {
	key := dutyKey{height: block.Header.Height, round: n.round, phase: phase}
	if _, done := n.signedDuties[key]; done {
		return false
	}

	vote := &types.Vote{
		Phase:          phase,
		Height:         block.Header.Height,
		Round:          n.round,
		BlockHash:      block.Hash(),
		Timestamp:      time.Now().UnixNano(),
		Validator:      n.signer.Address(),
		ValidatorIndex: n.ourIndex,
	}
	if err := n.signer.SignVote(n.opts.ChainID, vote); err != nil {
		n.logger.Warn().
			Err(err).
			Int64("height", vote.Height).
			Stringer("phase", phase).
			Msg("vote signing refused")
		return false
	}
	n.signedDuties[key] = vote.BlockHash

	if msg, err := wal.NewVoteMessage(vote); err == nil {
		if werr := n.walLog.WriteSync(msg); werr != nil {
			n.logger.Error().Err(werr).Msg("WAL write failed")
		}
	}

	n.fc.OnVote(vote)
	if err := n.gadget.OnVote(vote); err != nil {
		n.logger.Warn().Err(err).Msg("own vote rejected")
	}
	n.broadcaster.BroadcastVote(vote)
	return true
}

// drainFinalized applies every block the gadget finalized since the last
// event: archive, rewards, checkpoints, pruning, WAL end markers.
func (n *Node) drainFinalized() {
	for len(n.finalizedQ) > 0 {
		queue := n.finalizedQ
		n.finalizedQ = nil
		for _, ev := range queue {
			n.applyFinalized(ev)
		}
		// Checkpoint seals triggered inside applyFinalized may cascade into
		// further finalization, refilling the queue.
		n.drainSealed()
	}
	n.updateGauges()
}

func (n *Node) applyFinalized(ev finality.FinalizedEvent) {
	height := ev.Block.Header.Height
	hash := ev.Block.Hash()
	roundsUsed := int(n.round) + 1

	n.fc.SetFinalized(height, hash)
	n.detect.Update(height, height)
	n.slasher.Update(height, time.Unix(0, ev.Block.Header.Time))
	n.pruneDuties(height)
	n.round = 0
	n.scheduleRoundTimeout()

	n.stream.append(FinalizedRecord{Block: ev.Block, QC: ev.QC})

	if !n.replaying {
		if err := n.walLog.WriteSync(wal.NewEndHeightMessage(height)); err != nil {
			n.logger.Error().Err(err).Msg("WAL write failed")
		}
	}

	n.accrueRewards(ev)

	if n.ckpt.OnFinalized(height, hash, ev.Block.Header.StateRoot) && !n.replaying {
		n.signCheckpoint(height, hash, ev.Block.Header.StateRoot)
	}

	n.metrics.ObserveFinalized(height, roundsUsed)
	n.logger.Info().
		Int64("height", height).
		Str("hash", hash.Short()).
		Msg("block finalized")
}

// accrueRewards prices one finalized block into the epoch ledger and
// records participation. Only blocks with a direct commit certificate carry
// a voter list; cascaded ancestors pay the proposer share alone.
func (n *Node) accrueRewards(ev finality.FinalizedEvent) {
	epoch, err := n.reg.CurrentEpoch()
	if err != nil {
		return
	}
	set := epoch.Set

	votes := make([]*types.Vote, 0, len(ev.Voters))
	voted := make(map[uint16]bool, len(ev.Voters))
	for _, idx := range ev.Voters {
		if v := set.GetByIndex(idx); v != nil {
			votes = append(votes, &types.Vote{Height: ev.Block.Header.Height, Validator: v.Address})
			voted[idx] = true
		}
	}
	if ev.QC != nil {
		for _, v := range set.Validators {
			n.reg.RecordParticipation(v.Address, voted[v.Index])
		}
	}

	payout := n.rewards.Calculate(ev.Block, votes, set)

	n.mu.Lock()
	for addr, amt := range payout {
		n.ledger[addr] += amt
	}
	n.mu.Unlock()
}

func (n *Node) signCheckpoint(height int64, blockHash, stateRoot types.Hash) {
	if n.signer == nil || !n.inSet {
		return
	}

	sig, err := n.signer.SignCheckpoint(n.opts.ChainID, height, blockHash, stateRoot)
	if err != nil {
		n.logger.Warn().Err(err).Int64("height", height).Msg("checkpoint signing failed")
		return
	}

	if msg, merr := wal.NewCheckpointSigMessage(height, n.ourIndex, sig); merr == nil {
		if werr := n.walLog.Write(msg); werr != nil {
			n.logger.Error().Err(werr).Msg("WAL write failed")
		}
	}
	if _, err := n.ckpt.AddSignature(height, n.ourIndex, sig); err != nil {
		n.logger.Warn().Err(err).Int64("height", height).Msg("own checkpoint signature rejected")
	}
	n.broadcaster.BroadcastCheckpointSignature(height, n.ourIndex, sig)
}

// drainSealed applies sealed checkpoints: they feed back into finality as a
// floor and forward into fork choice and the WAL as a pruning boundary.
func (n *Node) drainSealed() {
	for len(n.sealedQ) > 0 {
		queue := n.sealedQ
		n.sealedQ = nil
		for _, cp := range queue {
			n.applySealed(cp)
		}
	}
}

func (n *Node) applySealed(cp *types.Checkpoint) {
	if err := n.gadget.MarkFinalized(cp.BlockHash); err != nil {
		n.logger.Warn().Err(err).Int64("height", cp.Height).Msg("checkpoint contradicts finality")
	}
	n.fc.SetFinalized(cp.Height, cp.BlockHash)

	if !n.replaying {
		// The sealed record must be durable before covered segments go
		// away: it is the anchor recovery re-roots on. Pruning stops one
		// short of the seal height so the segment holding this record (and
		// the sealed height's own messages) always survives.
		if msg, err := wal.NewCheckpointMessage(cp); err == nil {
			if werr := n.walLog.WriteSync(msg); werr != nil {
				n.logger.Error().Err(werr).Msg("WAL write failed")
			}
		}
		if pruner, ok := n.walLog.(interface{ Prune(int64) error }); ok {
			if err := pruner.Prune(cp.Height - 1); err != nil {
				n.logger.Warn().Err(err).Msg("WAL pruning failed")
			}
		}
	}

	n.metrics.ObserveCheckpoint(cp.Height)
	n.logger.Info().
		Int64("height", cp.Height).
		Int("signatures", len(cp.Signatures)).
		Msg("checkpoint sealed")
}

// rebaseTo re-roots consensus on a sealed checkpoint recovered from the
// log. History at or below the seal may have been pruned; the checkpoint is
// quorum-proven, so it anchors fork choice and finality the same way
// genesis anchors a first boot. Called before the event loop starts.
func (n *Node) rebaseTo(cp *types.Checkpoint) error {
	epoch, err := n.reg.CurrentEpoch()
	if err != nil {
		return err
	}

	n.fc = forkchoice.New(n.opts.ForkChoice, cp.BlockHash, cp.Height, n.baseLogger)
	n.fc.SetValidatorSet(epoch.Set)

	n.gadget, err = finality.New(
		n.opts.Finality,
		cp.BlockHash,
		cp.Height,
		epoch.Set,
		n.onFinalized,
		n.onAlarm,
		n.baseLogger,
	)
	if err != nil {
		return err
	}

	if err := n.ckpt.Restore(cp); err != nil {
		return err
	}
	n.stream = newStreamHub(cp.Height)
	n.detect.Update(cp.Height, cp.Height)

	n.logger.Info().
		Int64("height", cp.Height).
		Str("hash", cp.BlockHash.Short()).
		Msg("consensus re-rooted on sealed checkpoint")
	return nil
}

func (n *Node) pruneDuties(finalizedHeight int64) {
	for key := range n.signedDuties {
		if key.height <= finalizedHeight {
			delete(n.signedDuties, key)
		}
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.SetBuffers(n.gadget.PendingVotes(), n.fc.Orphans())
	if dropped := n.gadget.DroppedVotes(); dropped > n.reportedDrop {
		n.metrics.AddDroppedVotes(dropped - n.reportedDrop)
		n.reportedDrop = dropped
	}
}

// Leader returns the scheduled leader for the current slot.
func (n *Node) Leader() (*types.Validator, error) {
	return n.sched.LeaderFor(n.slot)
}

// Validators returns the frozen set for the epoch in progress.
func (n *Node) Validators() (*types.ValidatorSet, error) {
	epoch, err := n.reg.CurrentEpoch()
	if err != nil {
		return nil, err
	}
	return epoch.Set, nil
}

// Registry exposes the validator registry for boundary collaborators.
func (n *Node) Registry() *registry.Registry {
	return n.reg
}

// LatestCheckpoint returns the latest sealed checkpoint, or nil.
func (n *Node) LatestCheckpoint() *types.Checkpoint {
	return n.ckpt.Latest()
}
