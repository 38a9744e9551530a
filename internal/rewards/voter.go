package rewards

import (
	"errors"
	"math/bits"
	"sort"
	"strconv"

	"FortyAcres/internal/escrow"
	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotApprovedOrOwner = errors.New("rewards: caller is not owner or approved")
	ErrAlreadyVoted       = errors.New("rewards: already voted this epoch")
	ErrDistributeWindow   = errors.New("rewards: outside voting window")
	ErrLengthMismatch     = errors.New("rewards: pools and weights length mismatch")
	ErrUnknownPool        = errors.New("rewards: unknown or killed pool")
	ErrZeroWeight         = errors.New("rewards: zero total weight")
	ErrWeightOverflow     = errors.New("rewards: total weight overflows")
	ErrNoVotingPower      = errors.New("rewards: token has no voting power")
	ErrUnknownDistributor = errors.New("rewards: unknown distributor")
	ErrWrongKind          = errors.New("rewards: distributor kind mismatch")
	ErrIndexOutOfRange    = errors.New("rewards: pool vote index out of range")
	ErrZeroAmount         = errors.New("rewards: zero amount")
)

// Kind separates trading-fee distributors from bribe distributors.
type Kind uint8

const (
	KindFees Kind = iota
	KindBribes
)

// Pool is a votable gauge with its two reward distributors.
type Pool struct {
	Address common.Address `json:"address"`
	Fees    common.Address `json:"fees"`
	Bribes  common.Address `json:"bribes"`
	Alive   bool           `json:"alive"`
}

type distributor struct {
	pool common.Address
	kind Kind
}

type earnedKey struct {
	Distributor common.Address
	TokenID     uint64
	Token       common.Address
}

type ballot struct {
	pools   []common.Address
	weights []*uint256.Int
}

// Voter routes veNFT votes to pools and pays out whatever the pools'
// distributors have accrued for each token. Reward accrual is notified
// per token id by the reward source.
type Voter struct {
	address      common.Address
	escrow       *escrow.VotingEscrow
	pools        map[common.Address]*Pool
	distributors map[common.Address]distributor
	ballots      map[uint64]ballot
	lastVoted    map[uint64]uint64
	poolWeight   map[common.Address]*uint256.Int
	earned       map[earnedKey]*uint256.Int
}

func NewVoter(address common.Address, ve *escrow.VotingEscrow) *Voter {
	return &Voter{
		address:      address,
		escrow:       ve,
		pools:        make(map[common.Address]*Pool),
		distributors: make(map[common.Address]distributor),
		ballots:      make(map[uint64]ballot),
		lastVoted:    make(map[uint64]uint64),
		poolWeight:   make(map[common.Address]*uint256.Int),
		earned:       make(map[earnedKey]*uint256.Int),
	}
}

func (v *Voter) Address() common.Address { return v.address }

// AddPool registers a gauge and its distributors. Genesis only.
func (v *Voter) AddPool(p Pool) {
	p.Alive = true
	v.pools[p.Address] = &p
	v.distributors[p.Fees] = distributor{pool: p.Address, kind: KindFees}
	v.distributors[p.Bribes] = distributor{pool: p.Address, kind: KindBribes}
}

// KillPool stops a pool from receiving new votes.
func (v *Voter) KillPool(env *state.Env, pool common.Address) error {
	p, ok := v.pools[pool]
	if !ok {
		return ErrUnknownPool
	}
	next := *p
	next.Alive = false
	state.SetKey(env.Journal(), v.pools, pool, &next)
	return nil
}

func (v *Voter) Pool(pool common.Address) (Pool, bool) {
	p, ok := v.pools[pool]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// PoolOf resolves a distributor to its pool.
func (v *Voter) PoolOf(dist common.Address) (common.Address, bool) {
	d, ok := v.distributors[dist]
	return d.pool, ok
}

// DistributorInfo resolves a distributor to its pool and reports whether it
// pays bribes rather than fees.
func (v *Voter) DistributorInfo(dist common.Address) (common.Address, bool, bool) {
	d, ok := v.distributors[dist]
	return d.pool, d.kind == KindBribes, ok
}

func (v *Voter) LastVoted(tokenID uint64) uint64 {
	return v.lastVoted[tokenID]
}

// CanVote reports whether tokenID could cast a vote at ts.
func (v *Voter) CanVote(tokenID uint64, ts uint64) bool {
	if !fpmath.InVoteWindow(ts) {
		return false
	}
	last, ok := v.lastVoted[tokenID]
	return !ok || fpmath.EpochStart(last) < fpmath.EpochStart(ts)
}

// Vote splits the token's current weight across pools proportionally to
// weights, replacing any previous ballot.
func (v *Voter) Vote(env *state.Env, tokenID uint64, pools []common.Address, weights []uint64) error {
	if !v.escrow.IsApprovedOrOwner(env.Sender, tokenID) {
		return ErrNotApprovedOrOwner
	}
	if !fpmath.InVoteWindow(env.Time) {
		return ErrDistributeWindow
	}
	if last, ok := v.lastVoted[tokenID]; ok && fpmath.EpochStart(last) >= env.Epoch() {
		return ErrAlreadyVoted
	}
	if len(pools) != len(weights) {
		return ErrLengthMismatch
	}
	total := uint64(0)
	for i, p := range pools {
		pool, ok := v.pools[p]
		if !ok || !pool.Alive {
			return ErrUnknownPool
		}
		var carry uint64
		if total, carry = bits.Add64(total, weights[i], 0); carry != 0 {
			return ErrWeightOverflow
		}
	}
	if total == 0 {
		return ErrZeroWeight
	}
	power := v.escrow.Weight(tokenID, env.Time)
	if power.IsZero() {
		return ErrNoVotingPower
	}

	v.clearBallot(env, tokenID)

	b := ballot{pools: append([]common.Address(nil), pools...), weights: make([]*uint256.Int, len(pools))}
	for i, p := range pools {
		share, err := fpmath.MulDiv(power, uint256.NewInt(weights[i]), uint256.NewInt(total), fpmath.RoundDown)
		if err != nil {
			return err
		}
		b.weights[i] = share
		v.addPoolWeight(env, p, share, false)
	}
	state.SetKey(env.Journal(), v.ballots, tokenID, b)
	state.SetKey(env.Journal(), v.lastVoted, tokenID, env.Time)
	if err := v.escrow.Voting(env.As(v.address), tokenID, true); err != nil {
		return err
	}
	env.Emit(v.address, "Voted", map[string]string{
		"tokenId": strconv.FormatUint(tokenID, 10),
		"pools":   strconv.Itoa(len(pools)),
		"weight":  power.Dec(),
	})
	return nil
}

// Reset withdraws all of a token's votes.
func (v *Voter) Reset(env *state.Env, tokenID uint64) error {
	if !v.escrow.IsApprovedOrOwner(env.Sender, tokenID) {
		return ErrNotApprovedOrOwner
	}
	v.clearBallot(env, tokenID)
	return v.escrow.Voting(env.As(v.address), tokenID, false)
}

func (v *Voter) clearBallot(env *state.Env, tokenID uint64) {
	prev, ok := v.ballots[tokenID]
	if !ok {
		return
	}
	for i, p := range prev.pools {
		v.addPoolWeight(env, p, prev.weights[i], true)
	}
	state.DeleteKey(env.Journal(), v.ballots, tokenID)
}

func (v *Voter) addPoolWeight(env *state.Env, pool common.Address, w *uint256.Int, sub bool) {
	cur := fpmath.OrZero(v.poolWeight[pool])
	var next *uint256.Int
	if sub {
		next = fpmath.SaturatingSub(cur, w)
	} else {
		next = new(uint256.Int).Add(cur, w)
	}
	state.SetKey(env.Journal(), v.poolWeight, pool, next)
}

// PoolVote returns the idx-th pool of the token's current ballot.
func (v *Voter) PoolVote(tokenID uint64, idx int) (common.Address, error) {
	b, ok := v.ballots[tokenID]
	if !ok || idx < 0 || idx >= len(b.pools) {
		return common.Address{}, ErrIndexOutOfRange
	}
	return b.pools[idx], nil
}

// Votes returns the weight the token currently assigns to pool.
func (v *Voter) Votes(tokenID uint64, pool common.Address) *uint256.Int {
	b, ok := v.ballots[tokenID]
	if !ok {
		return new(uint256.Int)
	}
	for i, p := range b.pools {
		if p == pool {
			return b.weights[i].Clone()
		}
	}
	return new(uint256.Int)
}

func (v *Voter) PoolWeight(pool common.Address) *uint256.Int {
	return fpmath.OrZero(v.poolWeight[pool]).Clone()
}

// NotifyReward pulls amount of token from the caller into the distributor
// and credits it to tokenID.
func (v *Voter) NotifyReward(env *state.Env, dist common.Address, tokenID uint64, token common.Address, amount *uint256.Int) error {
	if _, ok := v.distributors[dist]; !ok {
		return ErrUnknownDistributor
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := env.Transfer(dist, token, amount, ledger.JournalTypeRewardNotify); err != nil {
		return err
	}
	key := earnedKey{dist, tokenID, token}
	state.SetKey(env.Journal(), v.earned, key, new(uint256.Int).Add(fpmath.OrZero(v.earned[key]), amount))
	return nil
}

func (v *Voter) Earned(dist common.Address, tokenID uint64, token common.Address) *uint256.Int {
	return fpmath.OrZero(v.earned[earnedKey{dist, tokenID, token}]).Clone()
}

// ClaimFees pays accrued trading fees to the token owner.
func (v *Voter) ClaimFees(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error {
	return v.claim(env, KindFees, dists, tokens, tokenID)
}

// ClaimBribes pays accrued bribes to the token owner.
func (v *Voter) ClaimBribes(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error {
	return v.claim(env, KindBribes, dists, tokens, tokenID)
}

func (v *Voter) claim(env *state.Env, kind Kind, dists []common.Address, tokens [][]common.Address, tokenID uint64) error {
	if !v.escrow.IsApprovedOrOwner(env.Sender, tokenID) {
		return ErrNotApprovedOrOwner
	}
	if len(dists) != len(tokens) {
		return ErrLengthMismatch
	}
	owner, err := v.escrow.OwnerOf(tokenID)
	if err != nil {
		return err
	}
	for i, dist := range dists {
		d, ok := v.distributors[dist]
		if !ok {
			return ErrUnknownDistributor
		}
		if d.kind != kind {
			return ErrWrongKind
		}
		for _, token := range tokens[i] {
			key := earnedKey{dist, tokenID, token}
			amount := v.earned[key]
			if amount == nil || amount.IsZero() {
				continue
			}
			state.DeleteKey(env.Journal(), v.earned, key)
			if err := env.As(dist).Transfer(owner, token, amount, ledger.JournalTypeRewardClaim); err != nil {
				return err
			}
		}
	}
	return nil
}

// Earning is the exported form of one accrued reward.
type Earning struct {
	Distributor common.Address `json:"distributor"`
	TokenID     uint64         `json:"token_id"`
	Token       common.Address `json:"token"`
	Amount      *uint256.Int   `json:"amount"`
}

// Ballot is the exported form of a token's current votes.
type Ballot struct {
	TokenID uint64           `json:"token_id"`
	Pools   []common.Address `json:"pools"`
	Weights []*uint256.Int   `json:"weights"`
}

// Snapshot is the serializable state of the voter.
type Snapshot struct {
	Pools     []Pool            `json:"pools"`
	Ballots   []Ballot          `json:"ballots"`
	LastVoted map[uint64]uint64 `json:"last_voted"`
	Earned    []Earning         `json:"earned"`
}

func (v *Voter) Snapshot() Snapshot {
	snap := Snapshot{LastVoted: make(map[uint64]uint64, len(v.lastVoted))}
	for _, p := range v.pools {
		snap.Pools = append(snap.Pools, *p)
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Address.Cmp(snap.Pools[j].Address) < 0 })
	for id, b := range v.ballots {
		snap.Ballots = append(snap.Ballots, Ballot{TokenID: id, Pools: b.pools, Weights: b.weights})
	}
	sort.Slice(snap.Ballots, func(i, j int) bool { return snap.Ballots[i].TokenID < snap.Ballots[j].TokenID })
	for id, ts := range v.lastVoted {
		snap.LastVoted[id] = ts
	}
	for k, amt := range v.earned {
		snap.Earned = append(snap.Earned, Earning{Distributor: k.Distributor, TokenID: k.TokenID, Token: k.Token, Amount: amt.Clone()})
	}
	sort.Slice(snap.Earned, func(i, j int) bool {
		a, b := snap.Earned[i], snap.Earned[j]
		if c := a.Distributor.Cmp(b.Distributor); c != 0 {
			return c < 0
		}
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		return a.Token.Cmp(b.Token) < 0
	})
	return snap
}

func (v *Voter) Restore(snap Snapshot) {
	v.pools = make(map[common.Address]*Pool)
	v.distributors = make(map[common.Address]distributor)
	for _, p := range snap.Pools {
		alive := p.Alive
		v.AddPool(p)
		v.pools[p.Address].Alive = alive
	}
	v.ballots = make(map[uint64]ballot)
	v.poolWeight = make(map[common.Address]*uint256.Int)
	for _, b := range snap.Ballots {
		v.ballots[b.TokenID] = ballot{pools: b.Pools, weights: b.Weights}
		for i, p := range b.Pools {
			v.poolWeight[p] = new(uint256.Int).Add(fpmath.OrZero(v.poolWeight[p]), b.Weights[i])
		}
	}
	v.lastVoted = make(map[uint64]uint64, len(snap.LastVoted))
	for id, ts := range snap.LastVoted {
		v.lastVoted[id] = ts
	}
	v.earned = make(map[earnedKey]*uint256.Int, len(snap.Earned))
	for _, e := range snap.Earned {
		v.earned[earnedKey{e.Distributor, e.TokenID, e.Token}] = e.Amount.Clone()
	}
}
