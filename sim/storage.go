package sim

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/types"
)

// associatedSlotProximity is the exclusive bound on the distance between a
// slot and the next-smallest registered slot for an address: a slot counts
// as associated with that address only if the distance is below it (spec
// §3, "Associated slot").
const associatedSlotProximity = 128

// AssociatedSlotsByAddress maps an address to the sorted set of storage
// slots the simulator trace reported as that address's own associated
// slots, used to classify accesses from other entities during validation
// (spec §3, §4.2).
type AssociatedSlotsByAddress struct {
	slots map[common.Address][]*big.Int
}

// NewAssociatedSlotsByAddress builds the index from the raw per-address slot
// sets a simulation trace reports. The input slices need not be sorted.
func NewAssociatedSlotsByAddress(raw map[common.Address][]*big.Int) *AssociatedSlotsByAddress {
	out := &AssociatedSlotsByAddress{slots: make(map[common.Address][]*big.Int, len(raw))}
	for addr, s := range raw {
		sorted := make([]*big.Int, len(s))
		copy(sorted, s)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
		out.slots[addr] = sorted
	}
	return out
}

// addressAsWord left-pads an address into the 32-byte word value the entry
// point would see it as if it were a literal storage slot index.
func addressAsWord(addr common.Address) *big.Int {
	return new(big.Int).SetBytes(addr.Bytes())
}

// IsAssociatedSlot reports whether slot is associated with address: either
// it equals the address's own word value, or the largest registered slot at
// or below it is within associatedSlotProximity (spec §3, S4).
func (a *AssociatedSlotsByAddress) IsAssociatedSlot(address common.Address, slot *big.Int) bool {
	if slot.Cmp(addressAsWord(address)) == 0 {
		return true
	}
	sorted := a.slots[address]
	if len(sorted) == 0 {
		return false
	}
	// Find the largest element <= slot: sort.Search finds the first index
	// whose value is > slot, then step back one.
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i].Cmp(slot) > 0 })
	if idx == 0 {
		return false
	}
	nextSmallest := sorted[idx-1]
	diff := new(big.Int).Sub(slot, nextSmallest)
	return diff.Cmp(big.NewInt(associatedSlotProximity)) < 0
}

// Addresses returns every address with at least one registered associated
// slot.
func (a *AssociatedSlotsByAddress) Addresses() []common.Address {
	out := make([]common.Address, 0, len(a.slots))
	for addr := range a.slots {
		out = append(out, addr)
	}
	return out
}

// restrictionKind is the total classification a storage access resolves to
// (spec §4.2, invariant 8: the classifier is total).
type restrictionKind int

const (
	restrictionAllowed restrictionKind = iota
	restrictionNeedsStake
	restrictionBanned
)

// storageRestriction is one access's classification result. For
// restrictionNeedsStake, EntityNeedingStake names which entity's stake must
// be checked; AccessedEntity is set when the accessed address itself
// belongs to a known entity.
type storageRestriction struct {
	Kind               restrictionKind
	EntityNeedingStake types.EntityType
	AccessingEntity    types.EntityType
	AccessedEntity     *types.EntityType
	Address            common.Address
	Slot               *big.Int
}

// accessArgs bundles the context classifyAccess needs to classify a
// single (entity, address, slot) access (spec §4.2).
type accessArgs struct {
	Entity      types.Entity
	Address     common.Address
	Slot        *big.Int
	IsWrite     bool
	Sender      common.Address
	EntryPoint  common.Address
	HasFactory  bool
	SlotsByAddr *AssociatedSlotsByAddress
}

// classifyAccess implements the storage-access rule engine's decision table
// (spec §4.2). It is total: every input falls into exactly one of allowed,
// needs-stake, or banned.
func classifyAccess(args accessArgs) storageRestriction {
	if args.Address == args.Sender || args.Address == args.EntryPoint {
		return storageRestriction{Kind: restrictionAllowed}
	}

	isSenderAssociated := args.SlotsByAddr.IsAssociatedSlot(args.Sender, args.Slot)
	isEntityAssociated := args.SlotsByAddr.IsAssociatedSlot(args.Entity.Address, args.Slot)
	isSameAddress := args.Address == args.Entity.Address

	if isSenderAssociated && !isSameAddress {
		if !args.HasFactory {
			return storageRestriction{Kind: restrictionAllowed}
		}
		// A factory is present: a deploy is happening, so access to the
		// sender's associated storage by anyone but the sender needs the
		// factory staked — except a paymaster or aggregator, which must
		// itself be staked to touch associated storage during a deploy.
		needsStake := types.EntityTypeFactory
		if args.Entity.Kind == types.EntityTypePaymaster || args.Entity.Kind == types.EntityTypeAggregator {
			needsStake = args.Entity.Kind
		}
		accessed := types.EntityTypeAccount
		return storageRestriction{
			Kind:               restrictionNeedsStake,
			EntityNeedingStake: needsStake,
			AccessingEntity:    args.Entity.Kind,
			AccessedEntity:     &accessed,
			Address:            args.Address,
			Slot:               args.Slot,
		}
	}

	if isEntityAssociated || isSameAddress {
		kind := args.Entity.Kind
		return storageRestriction{
			Kind:               restrictionNeedsStake,
			EntityNeedingStake: args.Entity.Kind,
			AccessingEntity:    args.Entity.Kind,
			AccessedEntity:     &kind,
			Address:            args.Address,
			Slot:               args.Slot,
		}
	}

	if !args.IsWrite {
		return storageRestriction{
			Kind:               restrictionNeedsStake,
			EntityNeedingStake: args.Entity.Kind,
			AccessingEntity:    args.Entity.Kind,
			AccessedEntity:     nil,
			Address:            args.Address,
			Slot:               args.Slot,
		}
	}

	return storageRestriction{Kind: restrictionBanned, Address: args.Address, Slot: args.Slot}
}
