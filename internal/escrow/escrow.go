package escrow

import (
	"errors"
	"sort"
	"strconv"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxLockTime is the longest lock a veNFT can carry (4 years).
const MaxLockTime uint64 = 4 * 365 * 86400

var (
	ErrNonexistentToken = errors.New("escrow: nonexistent token")
	ErrNotApproved      = errors.New("escrow: caller is not owner or approved")
	ErrWrongOwner       = errors.New("escrow: from is not the owner")
	ErrZeroAmount       = errors.New("escrow: zero amount")
	ErrZeroAddress      = errors.New("escrow: zero address")
	ErrLockDuration     = errors.New("escrow: lock duration out of range")
	ErrLockExpired      = errors.New("escrow: lock expired")
	ErrAlreadyVoted     = errors.New("escrow: token has active votes")
	ErrSameToken        = errors.New("escrow: cannot merge a token into itself")
	ErrNotVoter         = errors.New("escrow: caller is not the voter")
)

// Lock is the locked balance behind a veNFT.
type Lock struct {
	Amount    *uint256.Int `json:"amount"`
	End       uint64       `json:"end"`
	Permanent bool         `json:"permanent"`
}

// Token is one veNFT.
type Token struct {
	ID       uint64         `json:"id"`
	Owner    common.Address `json:"owner"`
	Approved common.Address `json:"approved"`
	Lock     Lock           `json:"lock"`
	Voted    bool           `json:"voted"`
}

func (t *Token) clone() *Token {
	c := *t
	c.Lock.Amount = t.Lock.Amount.Clone()
	return &c
}

type operatorKey struct {
	Owner    common.Address
	Operator common.Address
}

// VotingEscrow locks the governance token into transferable veNFTs whose
// voting weight decays linearly to the lock end.
type VotingEscrow struct {
	address   common.Address
	token     common.Address
	voter     common.Address
	nextID    uint64
	tokens    map[uint64]*Token
	operators map[operatorKey]bool
}

func New(address, token common.Address) *VotingEscrow {
	return &VotingEscrow{
		address:   address,
		token:     token,
		nextID:    1,
		tokens:    make(map[uint64]*Token),
		operators: make(map[operatorKey]bool),
	}
}

func (ve *VotingEscrow) Address() common.Address { return ve.address }
func (ve *VotingEscrow) Token() common.Address   { return ve.token }

// SetVoter binds the contract allowed to flag tokens as voted.
func (ve *VotingEscrow) SetVoter(voter common.Address) {
	ve.voter = voter
}

// CreateLock pulls amount of the governance token from the caller and mints
// a veNFT to `to`. A permanent lock ignores duration.
func (ve *VotingEscrow) CreateLock(env *state.Env, amount *uint256.Int, duration uint64, permanent bool, to common.Address) (uint64, error) {
	if amount == nil || amount.IsZero() {
		return 0, ErrZeroAmount
	}
	if to == (common.Address{}) {
		return 0, ErrZeroAddress
	}
	var end uint64
	if !permanent {
		end = fpmath.EpochStart(env.Time + duration)
		if end <= env.Time || end > env.Time+MaxLockTime {
			return 0, ErrLockDuration
		}
	}
	if err := env.TransferFrom(env.Sender, ve.address, ve.token, amount, ledger.JournalTypeLockCreate); err != nil {
		return 0, err
	}

	id := ve.nextID
	state.Set(env.Journal(), &ve.nextID, id+1)
	state.SetKey(env.Journal(), ve.tokens, id, &Token{
		ID:    id,
		Owner: to,
		Lock:  Lock{Amount: amount.Clone(), End: end, Permanent: permanent},
	})
	env.Emit(ve.address, "Deposit", map[string]string{
		"tokenId": strconv.FormatUint(id, 10),
		"owner":   to.Hex(),
		"amount":  amount.Dec(),
	})
	return id, nil
}

// IncreaseAmount adds to an existing, unexpired lock.
func (ve *VotingEscrow) IncreaseAmount(env *state.Env, id uint64, amount *uint256.Int) error {
	tok, ok := ve.tokens[id]
	if !ok {
		return ErrNonexistentToken
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if !tok.Lock.Permanent && tok.Lock.End <= env.Time {
		return ErrLockExpired
	}
	if err := env.TransferFrom(env.Sender, ve.address, ve.token, amount, ledger.JournalTypeLockCreate); err != nil {
		return err
	}
	next := tok.clone()
	next.Lock.Amount.Add(next.Lock.Amount, amount)
	state.SetKey(env.Journal(), ve.tokens, id, next)
	return nil
}

func (ve *VotingEscrow) OwnerOf(id uint64) (common.Address, error) {
	tok, ok := ve.tokens[id]
	if !ok {
		return common.Address{}, ErrNonexistentToken
	}
	return tok.Owner, nil
}

// LockedAmount returns the raw locked governance-token amount.
func (ve *VotingEscrow) LockedAmount(id uint64) *uint256.Int {
	if tok, ok := ve.tokens[id]; ok {
		return tok.Lock.Amount.Clone()
	}
	return new(uint256.Int)
}

func (ve *VotingEscrow) Locked(id uint64) (Lock, bool) {
	tok, ok := ve.tokens[id]
	if !ok {
		return Lock{}, false
	}
	l := tok.Lock
	l.Amount = l.Amount.Clone()
	return l, true
}

// Weight returns the voting weight of a veNFT at time ts.
func (ve *VotingEscrow) Weight(id uint64, ts uint64) *uint256.Int {
	tok, ok := ve.tokens[id]
	if !ok {
		return new(uint256.Int)
	}
	if tok.Lock.Permanent {
		return tok.Lock.Amount.Clone()
	}
	if ts >= tok.Lock.End {
		return new(uint256.Int)
	}
	w, err := fpmath.MulDiv(tok.Lock.Amount, uint256.NewInt(tok.Lock.End-ts), uint256.NewInt(MaxLockTime), fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int)
	}
	return w
}

func (ve *VotingEscrow) Voted(id uint64) bool {
	tok, ok := ve.tokens[id]
	return ok && tok.Voted
}

func (ve *VotingEscrow) IsApprovedOrOwner(spender common.Address, id uint64) bool {
	tok, ok := ve.tokens[id]
	if !ok {
		return false
	}
	return spender == tok.Owner || spender == tok.Approved || ve.operators[operatorKey{tok.Owner, spender}]
}

// Approve lets `to` move a single token.
func (ve *VotingEscrow) Approve(env *state.Env, to common.Address, id uint64) error {
	tok, ok := ve.tokens[id]
	if !ok {
		return ErrNonexistentToken
	}
	if env.Sender != tok.Owner && !ve.operators[operatorKey{tok.Owner, env.Sender}] {
		return ErrNotApproved
	}
	next := tok.clone()
	next.Approved = to
	state.SetKey(env.Journal(), ve.tokens, id, next)
	return nil
}

// SetApprovalForAll lets operator move every token of the caller.
func (ve *VotingEscrow) SetApprovalForAll(env *state.Env, operator common.Address, approved bool) {
	key := operatorKey{env.Sender, operator}
	if approved {
		state.SetKey(env.Journal(), ve.operators, key, true)
		return
	}
	state.DeleteKey(env.Journal(), ve.operators, key)
}

// TransferFrom moves a token. Voting state is preserved across transfers.
func (ve *VotingEscrow) TransferFrom(env *state.Env, from, to common.Address, id uint64) error {
	tok, ok := ve.tokens[id]
	if !ok {
		return ErrNonexistentToken
	}
	if tok.Owner != from {
		return ErrWrongOwner
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if !ve.IsApprovedOrOwner(env.Sender, id) {
		return ErrNotApproved
	}
	next := tok.clone()
	next.Owner = to
	next.Approved = common.Address{}
	state.SetKey(env.Journal(), ve.tokens, id, next)
	env.Emit(ve.address, "Transfer", map[string]string{
		"from":    from.Hex(),
		"to":      to.Hex(),
		"tokenId": strconv.FormatUint(id, 10),
	})
	return nil
}

// Merge folds `from` into `to` and burns `from`. The merged lock keeps the
// later end, or becomes permanent if either side is.
func (ve *VotingEscrow) Merge(env *state.Env, from, to uint64) error {
	if from == to {
		return ErrSameToken
	}
	src, ok := ve.tokens[from]
	if !ok {
		return ErrNonexistentToken
	}
	dst, ok := ve.tokens[to]
	if !ok {
		return ErrNonexistentToken
	}
	if src.Voted {
		return ErrAlreadyVoted
	}
	if !ve.IsApprovedOrOwner(env.Sender, from) || !ve.IsApprovedOrOwner(env.Sender, to) {
		return ErrNotApproved
	}
	if !dst.Lock.Permanent && dst.Lock.End <= env.Time {
		return ErrLockExpired
	}

	next := dst.clone()
	next.Lock.Amount.Add(next.Lock.Amount, src.Lock.Amount)
	switch {
	case src.Lock.Permanent || dst.Lock.Permanent:
		next.Lock.Permanent = true
		next.Lock.End = 0
	case src.Lock.End > dst.Lock.End:
		next.Lock.End = src.Lock.End
	}
	state.SetKey(env.Journal(), ve.tokens, to, next)
	state.DeleteKey(env.Journal(), ve.tokens, from)
	env.Emit(ve.address, "Merge", map[string]string{
		"from": strconv.FormatUint(from, 10),
		"to":   strconv.FormatUint(to, 10),
	})
	return nil
}

// Voting flags a token as having live votes. Only the voter may call it.
func (ve *VotingEscrow) Voting(env *state.Env, id uint64, voted bool) error {
	if env.Sender != ve.voter {
		return ErrNotVoter
	}
	tok, ok := ve.tokens[id]
	if !ok {
		return ErrNonexistentToken
	}
	if tok.Voted == voted {
		return nil
	}
	next := tok.clone()
	next.Voted = voted
	state.SetKey(env.Journal(), ve.tokens, id, next)
	return nil
}

// TokensOf lists the ids owned by owner in ascending order.
func (ve *VotingEscrow) TokensOf(owner common.Address) []uint64 {
	var ids []uint64
	for id, tok := range ve.tokens {
		if tok.Owner == owner {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Operator is the exported form of an approval-for-all.
type Operator struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
}

// Snapshot is the serializable state of the escrow.
type Snapshot struct {
	NextID    uint64         `json:"next_id"`
	Voter     common.Address `json:"voter"`
	Tokens    []Token        `json:"tokens"`
	Operators []Operator     `json:"operators"`
}

func (ve *VotingEscrow) Snapshot() Snapshot {
	snap := Snapshot{NextID: ve.nextID, Voter: ve.voter}
	for _, tok := range ve.tokens {
		snap.Tokens = append(snap.Tokens, *tok.clone())
	}
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].ID < snap.Tokens[j].ID })
	for k := range ve.operators {
		snap.Operators = append(snap.Operators, Operator{Owner: k.Owner, Operator: k.Operator})
	}
	sort.Slice(snap.Operators, func(i, j int) bool {
		if c := snap.Operators[i].Owner.Cmp(snap.Operators[j].Owner); c != 0 {
			return c < 0
		}
		return snap.Operators[i].Operator.Cmp(snap.Operators[j].Operator) < 0
	})
	return snap
}

func (ve *VotingEscrow) Restore(snap Snapshot) {
	ve.nextID = snap.NextID
	ve.voter = snap.Voter
	ve.tokens = make(map[uint64]*Token, len(snap.Tokens))
	for i := range snap.Tokens {
		tok := snap.Tokens[i]
		ve.tokens[tok.ID] = tok.clone()
	}
	ve.operators = make(map[operatorKey]bool, len(snap.Operators))
	for _, op := range snap.Operators {
		ve.operators[operatorKey{op.Owner, op.Operator}] = true
	}
}
