package types

import "fmt"

// UserOperationVariant is the enum-of-variants representation used at the
// pool boundary (spec §9): the pool stores and returns operations tagged by
// version; the proposer reads operations through Unwrap, and each entry
// point's ABI encoder converts the variant into its concrete v0.6/v0.7 type
// with AsV06/AsV07.
type UserOperationVariant struct {
	v06 *UserOperationV06
	v07 *UserOperationV07
}

func VariantFromV06(op *UserOperationV06) UserOperationVariant {
	return UserOperationVariant{v06: op}
}

func VariantFromV07(op *UserOperationV07) UserOperationVariant {
	return UserOperationVariant{v07: op}
}

// Version reports which concrete type this variant carries.
func (v UserOperationVariant) Version() EntryPointVersion {
	switch {
	case v.v06 != nil:
		return EntryPointVersionV06
	case v.v07 != nil:
		return EntryPointVersionV07
	default:
		return EntryPointVersionUnspecified
	}
}

// AsV06 converts the variant into its v0.6 concrete type, panicking if the
// variant does not carry one. Callers must check Version() first; this
// mirrors the `From<UserOperationVariant>` conversion rundler generates per
// version.
func (v UserOperationVariant) AsV06() *UserOperationV06 {
	if v.v06 == nil {
		panic(fmt.Sprintf("types: variant is not v0.6 (version=%v)", v.Version()))
	}
	return v.v06
}

func (v UserOperationVariant) AsV07() *UserOperationV07 {
	if v.v07 == nil {
		panic(fmt.Sprintf("types: variant is not v0.7 (version=%v)", v.Version()))
	}
	return v.v07
}

// Unwrap returns the variant as the generic UserOperation capability set,
// for code that only needs sender/nonce/fees and doesn't care about the
// concrete wire format.
func (v UserOperationVariant) Unwrap() UserOperation {
	switch {
	case v.v06 != nil:
		return v.v06
	case v.v07 != nil:
		return v.v07
	default:
		return nil
	}
}
