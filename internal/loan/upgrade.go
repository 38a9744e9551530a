package loan

import (
	"encoding/json"
	"fmt"
	"strconv"

	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// UpgradeProposal is the pending implementation change.
type UpgradeProposal struct {
	Implementation common.Address `json:"implementation"`
	EligibleAfter  uint64         `json:"eligible_after"`
}

// MigrationHook transforms market state when an implementation is
// accepted. data is the call payload of UpgradeToAndCall.
type MigrationHook func(env *state.Env, c *Core, data []byte) error

// Implementation is a known logic version a market may switch to.
type Implementation struct {
	Address common.Address
	Version string
	Migrate MigrationHook
}

// RegisterImplementation makes impl's migration hook available. Wiring
// only; it does not change the active implementation.
func (c *Core) RegisterImplementation(impl Implementation) {
	c.implementations[impl.Address] = impl
}

func (c *Core) PendingUpgrade() (UpgradeProposal, bool) {
	if c.pending == nil {
		return UpgradeProposal{}, false
	}
	return *c.pending, true
}

// ProposeUpgrade starts the timelock for impl. A new proposal always
// becomes eligible strictly later than the one it replaces.
func (c *Core) ProposeUpgrade(env *state.Env, impl common.Address) error {
	if env.Sender != c.proposer {
		return ErrUnauthorized
	}
	if impl == (common.Address{}) {
		return ErrZeroAddress
	}
	eligible := env.Time + c.params.UpgradeDelay
	if c.pending != nil && eligible <= c.pending.EligibleAfter {
		eligible = c.pending.EligibleAfter + 1
	}
	state.Set(env.Journal(), &c.pending, &UpgradeProposal{Implementation: impl, EligibleAfter: eligible})
	env.Emit(c.address, "UpgradeProposed", map[string]string{
		"implementation": impl.Hex(),
		"eligibleAfter":  strconv.FormatUint(eligible, 10),
	})
	return nil
}

// UpgradeToAndCall accepts the pending proposal once its timelock has
// passed, running the implementation's migration hook with data.
func (c *Core) UpgradeToAndCall(env *state.Env, impl common.Address, data []byte) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if env.Sender != c.owner {
		return ErrNotOwner
	}
	if c.pending == nil {
		return ErrNoPendingUpgrade
	}
	if impl != c.pending.Implementation {
		return ErrImplMismatch
	}
	if env.Time < c.pending.EligibleAfter {
		return fmt.Errorf("%w: eligible after %d", ErrTimelockActive, c.pending.EligibleAfter)
	}

	version := ""
	if known, ok := c.implementations[impl]; ok {
		version = known.Version
		if known.Migrate != nil {
			if err := known.Migrate(env, c, data); err != nil {
				return fmt.Errorf("%w: %v", ErrUpgradeCallFailed, err)
			}
		} else if len(data) > 0 {
			return fmt.Errorf("%w: %s has no migration", ErrUpgradeCallFailed, impl.Hex())
		}
	} else if len(data) > 0 {
		return fmt.Errorf("%w: unknown implementation %s", ErrUpgradeCallFailed, impl.Hex())
	}

	state.Set(env.Journal(), &c.implementation, impl)
	state.Set(env.Journal(), &c.pending, nil)
	env.Emit(c.address, "UpgradeAccepted", map[string]string{
		"implementation": impl.Hex(),
		"version":        version,
	})
	return nil
}

func (c *Core) CancelProposedUpgrade(env *state.Env) error {
	if env.Sender != c.owner && env.Sender != c.proposer {
		return ErrUnauthorized
	}
	if c.pending == nil {
		return nil
	}
	impl := c.pending.Implementation
	state.Set(env.Journal(), &c.pending, nil)
	env.Emit(c.address, "UpgradeCancelled", map[string]string{"implementation": impl.Hex()})
	return nil
}

// ParamsMigration is a hook that replaces the market params with the JSON
// object in data. Omitted fields keep their current value.
func ParamsMigration(env *state.Env, c *Core, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	next := c.params
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return c.setParams(env, next)
}
