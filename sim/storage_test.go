package sim

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shunsukew/rundler/types"
)

func TestIsAssociatedSlot(t *testing.T) {
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	slots := NewAssociatedSlotsByAddress(map[common.Address][]*big.Int{
		addr: {big.NewInt(0x100), big.NewInt(0x180)},
	})

	require.True(t, slots.IsAssociatedSlot(addr, big.NewInt(0x100)))
	require.True(t, slots.IsAssociatedSlot(addr, big.NewInt(0x17f)))
	require.False(t, slots.IsAssociatedSlot(addr, big.NewInt(0x200)))
	require.True(t, slots.IsAssociatedSlot(addr, addressAsWord(addr)))
}

func TestClassifyAccess_SenderOrEntryPointAlwaysAllowed(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	empty := NewAssociatedSlotsByAddress(nil)

	r := classifyAccess(accessArgs{
		Entity: types.Entity{Kind: types.EntityTypePaymaster, Address: common.HexToAddress("0x3")},
		Address: sender, Slot: big.NewInt(1), Sender: sender, EntryPoint: entryPoint, SlotsByAddr: empty,
	})
	require.Equal(t, restrictionAllowed, r.Kind)

	r = classifyAccess(accessArgs{
		Entity: types.Entity{Kind: types.EntityTypePaymaster, Address: common.HexToAddress("0x3")},
		Address: entryPoint, Slot: big.NewInt(1), Sender: sender, EntryPoint: entryPoint, SlotsByAddr: empty,
	})
	require.Equal(t, restrictionAllowed, r.Kind)
}

func TestClassifyAccess_BannedOnUnrelatedWrite(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	external := common.HexToAddress("0x4444444444444444444444444444444444444444")
	entity := types.Entity{Kind: types.EntityTypePaymaster, Address: common.HexToAddress("0x3333333333333333333333333333333333333333")}
	empty := NewAssociatedSlotsByAddress(nil)

	r := classifyAccess(accessArgs{
		Entity: entity, Address: external, Slot: big.NewInt(42), IsWrite: true,
		Sender: sender, EntryPoint: entryPoint, SlotsByAddr: empty,
	})
	require.Equal(t, restrictionBanned, r.Kind)
}

func TestClassifyAccess_ReadOnlyUnrelatedNeedsStake(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	external := common.HexToAddress("0x4444444444444444444444444444444444444444")
	entity := types.Entity{Kind: types.EntityTypePaymaster, Address: common.HexToAddress("0x3333333333333333333333333333333333333333")}
	empty := NewAssociatedSlotsByAddress(nil)

	r := classifyAccess(accessArgs{
		Entity: entity, Address: external, Slot: big.NewInt(42), IsWrite: false,
		Sender: sender, EntryPoint: entryPoint, SlotsByAddr: empty,
	})
	require.Equal(t, restrictionNeedsStake, r.Kind)
	require.Equal(t, types.EntityTypePaymaster, r.EntityNeedingStake)
	require.Nil(t, r.AccessedEntity)
}

func TestClassifyAccess_EntityOwnStorageNeedsStake(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	entityAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	entity := types.Entity{Kind: types.EntityTypePaymaster, Address: entityAddr}
	empty := NewAssociatedSlotsByAddress(nil)

	r := classifyAccess(accessArgs{
		Entity: entity, Address: entityAddr, Slot: big.NewInt(7), IsWrite: true,
		Sender: sender, EntryPoint: entryPoint, SlotsByAddr: empty,
	})
	require.Equal(t, restrictionNeedsStake, r.Kind)
	require.Equal(t, types.EntityTypePaymaster, r.EntityNeedingStake)
	require.NotNil(t, r.AccessedEntity)
	require.Equal(t, types.EntityTypePaymaster, *r.AccessedEntity)
}

func TestClassifyAccess_SenderAssociatedWithFactoryNeedsFactoryStake(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	external := common.HexToAddress("0x4444444444444444444444444444444444444444")
	entity := types.Entity{Kind: types.EntityTypeAccount, Address: sender}
	slot := big.NewInt(0x100)
	slots := NewAssociatedSlotsByAddress(map[common.Address][]*big.Int{sender: {slot}})

	r := classifyAccess(accessArgs{
		Entity: entity, Address: external, Slot: slot, HasFactory: true,
		Sender: sender, EntryPoint: entryPoint, SlotsByAddr: slots,
	})
	require.Equal(t, restrictionNeedsStake, r.Kind)
	require.Equal(t, types.EntityTypeFactory, r.EntityNeedingStake)
}

func TestClassifyAccess_SenderAssociatedWithoutFactoryAllowed(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entryPoint := common.HexToAddress("0x2222222222222222222222222222222222222222")
	external := common.HexToAddress("0x4444444444444444444444444444444444444444")
	entity := types.Entity{Kind: types.EntityTypePaymaster, Address: common.HexToAddress("0x3")}
	slot := big.NewInt(0x100)
	slots := NewAssociatedSlotsByAddress(map[common.Address][]*big.Int{sender: {slot}})

	r := classifyAccess(accessArgs{
		Entity: entity, Address: external, Slot: slot, HasFactory: false,
		Sender: sender, EntryPoint: entryPoint, SlotsByAddr: slots,
	})
	require.Equal(t, restrictionAllowed, r.Kind)
}
