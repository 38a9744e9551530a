package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"FortyAcres/internal/config"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ledger"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// globalCheckInterval is how often (in sequences) the zero-sum check over
// every asset runs.
const globalCheckInterval = 1000

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	tracker           *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	store             *state.Store
	world             *World
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need from one applied event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Logs       []state.Log
	Positions  []PositionChange
	Result     any
}

// Receipt is returned to the submitter of an event.
type Receipt struct {
	Sequence  int64       `json:"sequence,omitempty"`
	StateHash common.Hash `json:"state_hash"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Revert    string      `json:"revert,omitempty"`
	Result    any         `json:"result,omitempty"`
}

// Options configures NewDeterministicCore. Nil channels disable the
// corresponding output.
type Options struct {
	StartSequence  int64
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// NewDeterministicCore deploys genesis and returns a core ready to process
// from opts.StartSequence (1 when unset).
func NewDeterministicCore(g config.Genesis, opts Options) (*DeterministicCore, error) {
	tracker := ledger.NewBalanceTracker()
	store := state.NewStore(tracker)
	world, err := NewWorld(store, g)
	if err != nil {
		return nil, err
	}
	if opts.StartSequence <= 0 {
		opts.StartSequence = 1
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}
	return &DeterministicCore{
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		tracker:           tracker,
		validator:         ledger.NewInvariantValidator(tracker),
		store:             store,
		world:             world,
		idempotency:       NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics, opts.Logger),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}, nil
}

// World exposes contract state for read paths that run on the core goroutine.
func (c *DeterministicCore) World() *World { return c.world }

// Tracker exposes committed balances.
func (c *DeterministicCore) Tracker() *ledger.BalanceTracker { return c.tracker }

// SequenceMetrics counts rejected gaps and stale events per partition.
func (c *DeterministicCore) SequenceMetrics() *SequenceMetrics { return c.sequenceValidator.Metrics() }

// ProcessEvent is the main processing pipeline. A call rejected by its
// contract is recorded with an empty batch and a revert reason; only
// ordering failures return an error.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, false)
}

// ReplayEvent re-applies a logged event during recovery. Nothing is
// emitted and the tier-2 dedup lookup is skipped, since every replayed
// event is already in the log.
func (c *DeterministicCore) ReplayEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, true)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := partitionOf(evt)

	// Step 1: Idempotency check (two-tier)
	isDuplicate := !replay && c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. A negative source sequence asks the core
	// to take the next slot of the partition.
	if evt.SourceSequence() < 0 {
		if isDuplicate {
			c.reject(eventType, "duplicate")
			return &Receipt{Duplicate: true}, nil
		}
		if h, ok := evt.(event.Headed); ok {
			event.HeaderOf(h).Sequence = c.sequenceValidator.GetExpectedSequence(partition)
		}
	}
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
		c.rejectSequence(eventType, partition, err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		c.reject(eventType, "duplicate")
		return &Receipt{Duplicate: true}, nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	// Step 3: Apply the call inside a transition
	ts := evt.Time()
	env, err := c.store.Begin(idempotencyKey, c.sequence, ts)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	result, applyErr := c.world.Apply(env, evt)
	var revert string
	if applyErr != nil {
		c.store.Rollback()
		revert = applyErr.Error()
		result = nil
		if _, err := c.store.Begin(idempotencyKey, c.sequence, ts); err != nil {
			return nil, fmt.Errorf("begin transition: %w", err)
		}
	}
	batch, logs, err := c.store.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	// Step 4: Validate and apply the batch. Contract state is already
	// committed, so a failure here means the two have diverged.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
	}
	positions := c.world.drainTouched()

	// Step 5: Hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch, logs, revert)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      ts,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
		Revert:         revert,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Logs:       logs,
		Positions:  positions,
		Result:     result,
	}
	c.sequence++

	// Step 6: Post-checks
	if err := c.postCheckInvariants(batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Emit. Persistence blocks (backpressure); projections drop
	// when full and rebuild from the event log.
	if !replay {
		if c.persistChan != nil {
			select {
			case c.persistChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- output
			}
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordMetrics(evt, batch, revert, start)
	if revert != "" {
		c.logger.Debug().
			Int64("sequence", envelope.Sequence).
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("revert", revert).
			Msg("call reverted")
	}

	return &Receipt{
		Sequence:  envelope.Sequence,
		StateHash: common.Hash(stateHash),
		Revert:    revert,
		Result:    result,
	}, nil
}

// Command is one submission to the core goroutine. Reply, when set, must
// have room for one value.
type Command struct {
	Event event.Event
	Reply chan<- Reply

	// Do, when set, runs on the core goroutine instead of Event. Reads and
	// snapshots go through it so they never race with processing.
	Do func(*DeterministicCore)
}

type Reply struct {
	Receipt *Receipt
	Err     error
}

// Run serializes commands onto the core until ctx is done or cmds closes.
func (c *DeterministicCore) Run(ctx context.Context, cmds <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if cmd.Do != nil {
				cmd.Do(c)
				continue
			}
			receipt, err := c.ProcessEvent(cmd.Event)
			if err != nil {
				c.logger.Warn().Err(err).
					Str("event_type", cmd.Event.EventType().String()).
					Str("key", cmd.Event.IdempotencyKey()).
					Msg("event rejected")
			}
			if cmd.Reply != nil {
				cmd.Reply <- Reply{Receipt: receipt, Err: err}
			}
		}
	}
}

// partitionOf determines the partition key for sequence validation
func partitionOf(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return "contract:" + *marketID
	}
	return "global"
}

// computeStateDigest creates canonical bytes for the state hash: the
// post-balance of every account the batch touched, the logs raised and the
// revert reason.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, logs []state.Log, revert string) []byte {
	affected := affectedAccounts(batch)
	sort.Slice(affected, func(i, j int) bool {
		return affected[i].AccountPath() < affected[j].AccountPath()
	})

	digest := make([]byte, 0, len(affected)*96)
	for _, key := range affected {
		digest = appendString(digest, key.AccountPath())
		digest = appendBigInt(digest, c.tracker.GetBalance(key))
	}

	digest = binary.LittleEndian.AppendUint32(digest, uint32(len(logs)))
	for _, l := range logs {
		digest = append(digest, l.Contract.Bytes()...)
		digest = appendString(digest, l.Name)
		names := make([]string, 0, len(l.Fields))
		for k := range l.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(names)))
		for _, k := range names {
			digest = appendString(digest, k)
			digest = appendString(digest, l.Fields[k])
		}
	}

	return appendString(digest, revert)
}

func affectedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	if batch == nil {
		return nil
	}
	seen := make(map[ledger.AccountKey]bool)
	var out []ledger.AccountKey
	for _, j := range batch.Journals {
		for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	return out
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendBigInt writes a sign byte followed by the length-prefixed magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	buf = append(buf, byte(v.Sign()+1))
	mag := v.Bytes()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mag)))
	return append(buf, mag...)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch) error {
	for _, key := range affectedAccounts(batch) {
		if key.Scope != ledger.AccountScopeHolder {
			continue
		}
		if err := c.tracker.ValidateNonNegative(key); err != nil {
			return fmt.Errorf("post-check holder balance: %w", err)
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum (at seq %d): %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) rejectSequence(eventType, partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		c.reject(eventType, "gap")
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		c.reject(eventType, "out_of_order")
	}
}

func (c *DeterministicCore) recordMetrics(evt event.Event, batch *ledger.Batch, revert string, start time.Time) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	eventType := evt.EventType().String()
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if revert != "" {
		m.LoanReverts.WithLabelValues(eventType).Inc()
	}

	switch evt.EventType().Domain() {
	case "loan":
		lm, ok := c.world.LoanMarket(evt.Target())
		if !ok {
			return
		}
		market := evt.Target().Hex()
		m.LoanCalls.WithLabelValues(market, eventType).Inc()
		m.LoanPositions.WithLabelValues(market).Set(float64(lm.PositionCount()))
		if revert == "" {
			switch evt.EventType() {
			case event.EventTypeRewardsClaimed:
				m.RewardsClaimed.WithLabelValues(market).Inc()
			case event.EventTypeFlashLoanExecuted:
				m.FlashLoans.WithLabelValues(market).Inc()
			case event.EventTypeUpgradeExecuted:
				m.UpgradesCompleted.WithLabelValues(market).Inc()
			}
		}
		c.recordVaults()
	case "vault", "market":
		c.recordVaults()
	}
}

func (c *DeterministicCore) recordVaults() {
	for addr, v := range c.world.vaults {
		label := addr.Hex()
		c.metrics.VaultIdle.WithLabelValues(label).Set(toFloat(c.tracker.HolderBalance(addr, v.Asset())))
		c.metrics.LoanOutstanding.WithLabelValues(label).Set(toFloat(v.Outstanding()))
	}
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Exec runs fn on the core goroutine behind cmds and waits for it.
func Exec(ctx context.Context, cmds chan<- Command, fn func(*DeterministicCore)) error {
	done := make(chan struct{})
	select {
	case cmds <- Command{Do: func(c *DeterministicCore) { fn(c); close(done) }}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends evt to the core goroutine and waits for its receipt.
func Submit(ctx context.Context, cmds chan<- Command, evt event.Event) (*Receipt, error) {
	reply := make(chan Reply, 1)
	select {
	case cmds <- Command{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Receipt, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState is the serializable core state. Balances are keyed by
// account path with decimal values.
type SnapshotState struct {
	Sequence        int64             `json:"sequence"`
	StateHash       common.Hash       `json:"state_hash"`
	Balances        map[string]string `json:"balances"`
	World           *WorldSnapshot    `json:"world"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
}

// RestoreFromSnapshot replaces the core's in-memory state with snap.
// Genesis must match the one the snapshot was taken under.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	balances := make(map[ledger.AccountKey]*big.Int, len(snap.Balances))
	for path, dec := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		v, ok := new(big.Int).SetString(dec, 10)
		if !ok {
			return fmt.Errorf("restore balances: %s: invalid amount %q", path, dec)
		}
		balances[key] = v
	}
	for _, key := range c.tracker.Keys() {
		if _, ok := balances[key]; !ok {
			c.tracker.SetBalance(key, new(big.Int))
		}
	}
	for key, v := range balances {
		c.tracker.SetBalance(key, v)
	}

	c.world.Restore(snap.World)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the next global sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balances := c.tracker.Snapshot()
	out := make(map[string]string, len(balances))
	for key, v := range balances {
		out[key.AccountPath()] = v.String()
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		Balances:        out,
		World:           c.world.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}
