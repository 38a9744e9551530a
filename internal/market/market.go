package market

import (
	"fmt"
	"sort"
	"strconv"

	"FortyAcres/internal/ledger"
	"FortyAcres/internal/loan"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Listing offers a position (debt included) for sale at a fixed price.
type Listing struct {
	ID           uint64             `json:"id"`
	LoanMarket   common.Address     `json:"loan_market"`
	Ref          loan.CollateralRef `json:"ref"`
	Owner        common.Address     `json:"owner"`
	PaymentToken common.Address     `json:"payment_token"`
	Price        *uint256.Int       `json:"price"`
	Debt         *uint256.Int       `json:"debt"`
	ExpiresAt    uint64             `json:"expires_at"`
	CreatedAt    uint64             `json:"created_at"`
}

// Offer is a standing bid for a position. The price is escrowed by the
// market until the offer is accepted or cancelled.
type Offer struct {
	ID           uint64             `json:"id"`
	LoanMarket   common.Address     `json:"loan_market"`
	Ref          loan.CollateralRef `json:"ref"`
	Buyer        common.Address     `json:"buyer"`
	PaymentToken common.Address     `json:"payment_token"`
	Price        *uint256.Int       `json:"price"`
	MaxDebt      *uint256.Int       `json:"max_debt"`
	ExpiresAt    uint64             `json:"expires_at"`
	CreatedAt    uint64             `json:"created_at"`
}

type listingKey struct {
	LoanMarket common.Address
	Ref        string
}

// Market matches buyers and sellers of positions. A sale moves the
// position's borrower of record; collateral custody never leaves the loan
// market. The market must be an approved contract of every loan market it
// settles against.
type Market struct {
	address       common.Address
	owner         common.Address
	feeRecipient  common.Address
	feeBps        uint64
	paymentTokens map[common.Address]bool
	loans         loan.PeerResolver

	listings map[uint64]*Listing
	listed   map[listingKey]uint64
	offers   map[uint64]*Offer
	nextID   uint64

	entered bool
}

func New(address, owner, feeRecipient common.Address, feeBps uint64, loans loan.PeerResolver) (*Market, error) {
	if err := fpmath.ValidateBps(feeBps); err != nil {
		return nil, ErrInvalidFee
	}
	return &Market{
		address:       address,
		owner:         owner,
		feeRecipient:  feeRecipient,
		feeBps:        feeBps,
		paymentTokens: make(map[common.Address]bool),
		loans:         loans,
		listings:      make(map[uint64]*Listing),
		listed:        make(map[listingKey]uint64),
		offers:        make(map[uint64]*Offer),
		nextID:        1,
	}, nil
}

func (m *Market) Address() common.Address { return m.address }
func (m *Market) FeeBps() uint64          { return m.feeBps }

func (m *Market) Listing(id uint64) (Listing, bool) {
	l, ok := m.listings[id]
	if !ok {
		return Listing{}, false
	}
	return *l, true
}

func (m *Market) Offer(id uint64) (Offer, bool) {
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

func (m *Market) enter(env *state.Env) (func(*error), error) {
	if m.entered {
		return nil, ErrReentrant
	}
	m.entered = true
	snap := env.Journal().Snapshot()
	return func(err *error) {
		m.entered = false
		if *err != nil {
			env.Journal().RevertToSnapshot(snap)
		}
	}, nil
}

func (m *Market) loanMarket(addr common.Address) (*loan.Core, error) {
	if m.loans == nil {
		return nil, ErrUnknownLoanMarket
	}
	c, ok := m.loans.Market(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoanMarket, addr.Hex())
	}
	return c, nil
}

func (m *Market) allocID(env *state.Env) uint64 {
	id := m.nextID
	state.Set(env.Journal(), &m.nextID, id+1)
	return id
}

func (m *Market) fee(price *uint256.Int) *uint256.Int {
	return fpmath.ApplyBps(price, m.feeBps)
}

// settle pays the seller price minus fee and the fee recipient the fee out
// of payer's funds, then hands the position to buyer.
func (m *Market) settle(env *state.Env, c *loan.Core, ref loan.CollateralRef, payer, seller, buyer, token common.Address, price *uint256.Int) (*uint256.Int, error) {
	self := env.As(m.address)
	fee := m.fee(price)
	proceeds := new(uint256.Int).Sub(price, fee)
	if err := self.TransferFrom(payer, seller, token, proceeds, ledger.JournalTypeMarketSale); err != nil {
		return nil, fmt.Errorf("pay seller: %w", err)
	}
	if err := self.TransferFrom(payer, m.feeRecipient, token, fee, ledger.JournalTypeMarketFee); err != nil {
		return nil, fmt.Errorf("pay fee: %w", err)
	}
	if err := c.SetBorrower(self, ref, buyer); err != nil {
		return nil, fmt.Errorf("transfer position: %w", err)
	}
	return fee, nil
}

// CreateListing lists a position the caller borrows against. The current
// balance is recorded as the most debt a buyer can inherit.
func (m *Market) CreateListing(env *state.Env, loanMarket common.Address, ref loan.CollateralRef, paymentToken common.Address, price *uint256.Int, expiresAt uint64) (id uint64, err error) {
	done, err := m.enter(env)
	if err != nil {
		return 0, err
	}
	defer done(&err)

	c, err := m.loanMarket(loanMarket)
	if err != nil {
		return 0, err
	}
	debt, borrower := c.GetLoanDetails(ref)
	if borrower != env.Sender {
		return 0, ErrNotSeller
	}
	if !m.paymentTokens[paymentToken] {
		return 0, ErrPaymentToken
	}
	if price == nil || price.IsZero() {
		return 0, ErrZeroPrice
	}
	if expiresAt != 0 && expiresAt <= env.Time {
		return 0, ErrExpired
	}
	key := listingKey{loanMarket, ref.Key()}
	if prev, ok := m.listed[key]; ok {
		if l := m.listings[prev]; l.Owner == env.Sender {
			return 0, ErrAlreadyListed
		}
		// The position changed hands since it was listed.
		m.dropListing(env, prev)
	}

	id = m.allocID(env)
	state.SetKey(env.Journal(), m.listings, id, &Listing{
		ID:           id,
		LoanMarket:   loanMarket,
		Ref:          ref,
		Owner:        env.Sender,
		PaymentToken: paymentToken,
		Price:        price.Clone(),
		Debt:         debt,
		ExpiresAt:    expiresAt,
		CreatedAt:    env.Time,
	})
	state.SetKey(env.Journal(), m.listed, key, id)
	env.Emit(m.address, "ListingCreated", map[string]string{
		"id":    strconv.FormatUint(id, 10),
		"ref":   ref.Key(),
		"owner": env.Sender.Hex(),
		"price": price.Dec(),
		"debt":  debt.Dec(),
	})
	return id, nil
}

// UpdateListing changes price and expiry and re-records the debt bound.
func (m *Market) UpdateListing(env *state.Env, id uint64, price *uint256.Int, expiresAt uint64) error {
	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if env.Sender != l.Owner {
		return ErrNotListingOwner
	}
	if price == nil || price.IsZero() {
		return ErrZeroPrice
	}
	c, err := m.loanMarket(l.LoanMarket)
	if err != nil {
		return err
	}
	debt, borrower := c.GetLoanDetails(l.Ref)
	if borrower != l.Owner {
		return ErrStaleListing
	}
	next := *l
	next.Price = price.Clone()
	next.Debt = debt
	next.ExpiresAt = expiresAt
	state.SetKey(env.Journal(), m.listings, id, &next)
	env.Emit(m.address, "ListingUpdated", map[string]string{
		"id":    strconv.FormatUint(id, 10),
		"price": price.Dec(),
	})
	return nil
}

func (m *Market) CancelListing(env *state.Env, id uint64) error {
	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if env.Sender != l.Owner && env.Sender != m.owner {
		return ErrNotListingOwner
	}
	m.dropListing(env, id)
	env.Emit(m.address, "ListingCancelled", map[string]string{"id": strconv.FormatUint(id, 10)})
	return nil
}

func (m *Market) dropListing(env *state.Env, id uint64) {
	l := m.listings[id]
	state.DeleteKey(env.Journal(), m.listings, id)
	state.DeleteKey(env.Journal(), m.listed, listingKey{l.LoanMarket, l.Ref.Key()})
}

// TakeListing buys a listed position. The buyer must have approved the
// market for the price in the payment token. The listing is removed.
func (m *Market) TakeListing(env *state.Env, id uint64) (err error) {
	done, err := m.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if l.ExpiresAt != 0 && env.Time >= l.ExpiresAt {
		return ErrExpired
	}
	if env.Sender == l.Owner {
		return ErrSelfTrade
	}
	c, err := m.loanMarket(l.LoanMarket)
	if err != nil {
		return err
	}
	debt, borrower := c.GetLoanDetails(l.Ref)
	if borrower != l.Owner {
		return ErrStaleListing
	}
	if debt.Gt(fpmath.OrZero(l.Debt)) {
		return fmt.Errorf("%w: listed %s, now %s", ErrDebtGrown, fpmath.OrZero(l.Debt).Dec(), debt.Dec())
	}
	m.dropListing(env, id)
	fee, err := m.settle(env, c, l.Ref, env.Sender, l.Owner, env.Sender, l.PaymentToken, l.Price)
	if err != nil {
		return err
	}
	env.Emit(m.address, "ListingTaken", map[string]string{
		"id":     strconv.FormatUint(id, 10),
		"ref":    l.Ref.Key(),
		"seller": l.Owner.Hex(),
		"buyer":  env.Sender.Hex(),
		"price":  l.Price.Dec(),
		"fee":    fee.Dec(),
	})
	return nil
}

// CreateOffer escrows price from the caller as a bid for ref. A zero
// maxDebt accepts any outstanding balance.
func (m *Market) CreateOffer(env *state.Env, loanMarket common.Address, ref loan.CollateralRef, paymentToken common.Address, price, maxDebt *uint256.Int, expiresAt uint64) (id uint64, err error) {
	done, err := m.enter(env)
	if err != nil {
		return 0, err
	}
	defer done(&err)

	if _, err := m.loanMarket(loanMarket); err != nil {
		return 0, err
	}
	if !m.paymentTokens[paymentToken] {
		return 0, ErrPaymentToken
	}
	if price == nil || price.IsZero() {
		return 0, ErrZeroPrice
	}
	if expiresAt != 0 && expiresAt <= env.Time {
		return 0, ErrExpired
	}
	if err := env.As(m.address).TransferFrom(env.Sender, m.address, paymentToken, price, ledger.JournalTypeTransfer); err != nil {
		return 0, fmt.Errorf("escrow offer: %w", err)
	}
	id = m.allocID(env)
	state.SetKey(env.Journal(), m.offers, id, &Offer{
		ID:           id,
		LoanMarket:   loanMarket,
		Ref:          ref,
		Buyer:        env.Sender,
		PaymentToken: paymentToken,
		Price:        price.Clone(),
		MaxDebt:      fpmath.OrZero(maxDebt).Clone(),
		ExpiresAt:    expiresAt,
		CreatedAt:    env.Time,
	})
	env.Emit(m.address, "OfferCreated", map[string]string{
		"id":    strconv.FormatUint(id, 10),
		"ref":   ref.Key(),
		"buyer": env.Sender.Hex(),
		"price": price.Dec(),
	})
	return id, nil
}

// CancelOffer refunds the escrowed price. Expired offers may be cancelled
// by anyone; the refund always goes to the buyer.
func (m *Market) CancelOffer(env *state.Env, id uint64) (err error) {
	done, err := m.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	expired := o.ExpiresAt != 0 && env.Time >= o.ExpiresAt
	if env.Sender != o.Buyer && !expired {
		return ErrNotOfferOwner
	}
	state.DeleteKey(env.Journal(), m.offers, id)
	if err := env.As(m.address).Transfer(o.Buyer, o.PaymentToken, o.Price, ledger.JournalTypeTransfer); err != nil {
		return fmt.Errorf("refund offer: %w", err)
	}
	env.Emit(m.address, "OfferCancelled", map[string]string{"id": strconv.FormatUint(id, 10)})
	return nil
}

// AcceptOffer sells the caller's position to the offer's buyer out of the
// escrowed price. Any listing of the position is removed.
func (m *Market) AcceptOffer(env *state.Env, id uint64) (err error) {
	done, err := m.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.ExpiresAt != 0 && env.Time >= o.ExpiresAt {
		return ErrExpired
	}
	c, err := m.loanMarket(o.LoanMarket)
	if err != nil {
		return err
	}
	balance, borrower := c.GetLoanDetails(o.Ref)
	if borrower != env.Sender {
		return ErrNotSeller
	}
	if borrower == o.Buyer {
		return ErrSelfTrade
	}
	if !o.MaxDebt.IsZero() && balance.Gt(o.MaxDebt) {
		return fmt.Errorf("%w: %s > %s", ErrDebtTooHigh, balance.Dec(), o.MaxDebt.Dec())
	}
	state.DeleteKey(env.Journal(), m.offers, id)
	if lid, ok := m.listed[listingKey{o.LoanMarket, o.Ref.Key()}]; ok {
		m.dropListing(env, lid)
	}
	fee, err := m.settle(env, c, o.Ref, m.address, env.Sender, o.Buyer, o.PaymentToken, o.Price)
	if err != nil {
		return err
	}
	env.Emit(m.address, "OfferAccepted", map[string]string{
		"id":     strconv.FormatUint(id, 10),
		"ref":    o.Ref.Key(),
		"seller": env.Sender.Hex(),
		"buyer":  o.Buyer.Hex(),
		"price":  o.Price.Dec(),
		"fee":    fee.Dec(),
	})
	return nil
}

func (m *Market) onlyOwner(env *state.Env) error {
	if env.Sender != m.owner {
		return ErrUnauthorized
	}
	return nil
}

func (m *Market) SetFee(env *state.Env, bps uint64) error {
	if err := m.onlyOwner(env); err != nil {
		return err
	}
	if err := fpmath.ValidateBps(bps); err != nil {
		return ErrInvalidFee
	}
	state.Set(env.Journal(), &m.feeBps, bps)
	return nil
}

func (m *Market) SetFeeRecipient(env *state.Env, addr common.Address) error {
	if err := m.onlyOwner(env); err != nil {
		return err
	}
	state.Set(env.Journal(), &m.feeRecipient, addr)
	return nil
}

func (m *Market) SetPaymentToken(env *state.Env, token common.Address, allowed bool) error {
	if err := m.onlyOwner(env); err != nil {
		return err
	}
	if allowed {
		state.SetKey(env.Journal(), m.paymentTokens, token, true)
	} else {
		state.DeleteKey(env.Journal(), m.paymentTokens, token)
	}
	return nil
}

// Snapshot is the serializable state of the market.
type Snapshot struct {
	Owner         common.Address   `json:"owner"`
	FeeRecipient  common.Address   `json:"fee_recipient"`
	FeeBps        uint64           `json:"fee_bps"`
	PaymentTokens []common.Address `json:"payment_tokens"`
	Listings      []Listing        `json:"listings"`
	Offers        []Offer          `json:"offers"`
	NextID        uint64           `json:"next_id"`
}

func (m *Market) Snapshot() Snapshot {
	snap := Snapshot{
		Owner:        m.owner,
		FeeRecipient: m.feeRecipient,
		FeeBps:       m.feeBps,
		NextID:       m.nextID,
	}
	for t := range m.paymentTokens {
		snap.PaymentTokens = append(snap.PaymentTokens, t)
	}
	sort.Slice(snap.PaymentTokens, func(i, j int) bool { return snap.PaymentTokens[i].Cmp(snap.PaymentTokens[j]) < 0 })
	for _, l := range m.listings {
		snap.Listings = append(snap.Listings, *l)
	}
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].ID < snap.Listings[j].ID })
	for _, o := range m.offers {
		snap.Offers = append(snap.Offers, *o)
	}
	sort.Slice(snap.Offers, func(i, j int) bool { return snap.Offers[i].ID < snap.Offers[j].ID })
	return snap
}

func (m *Market) Restore(snap Snapshot) {
	m.owner = snap.Owner
	m.feeRecipient = snap.FeeRecipient
	m.feeBps = snap.FeeBps
	m.nextID = snap.NextID
	m.paymentTokens = make(map[common.Address]bool, len(snap.PaymentTokens))
	for _, t := range snap.PaymentTokens {
		m.paymentTokens[t] = true
	}
	m.listings = make(map[uint64]*Listing, len(snap.Listings))
	m.listed = make(map[listingKey]uint64, len(snap.Listings))
	for _, l := range snap.Listings {
		cp := l
		m.listings[l.ID] = &cp
		m.listed[listingKey{l.LoanMarket, l.Ref.Key()}] = l.ID
	}
	m.offers = make(map[uint64]*Offer, len(snap.Offers))
	for _, o := range snap.Offers {
		cp := o
		m.offers[o.ID] = &cp
	}
	m.entered = false
}
