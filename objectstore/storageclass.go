package objectstore

import "github.com/aws/aws-sdk-go-v2/service/s3/types"

// StorageClass is the job's target tier, named per section 3 of the spec
// (HOT, COOL_IR, COOL_FLEX, DEEP) rather than the provider's own vocabulary,
// so the rest of the codebase never imports provider-specific type names.
type StorageClass string

const (
	StorageHot      StorageClass = "HOT"
	StorageCoolIR   StorageClass = "COOL_IR"
	StorageCoolFlex StorageClass = "COOL_FLEX"
	StorageDeep     StorageClass = "DEEP"
)

// Valid reports whether sc is one of the four known classes.
func (sc StorageClass) Valid() bool {
	switch sc {
	case StorageHot, StorageCoolIR, StorageCoolFlex, StorageDeep:
		return true
	}
	return false
}

// IsCold reports whether reading an object of this class requires a
// rehydration request before it can be fetched.
func (sc StorageClass) IsCold() bool {
	return sc == StorageCoolFlex || sc == StorageDeep
}

// toS3 maps a StorageClass to the provider's wire value.
func (sc StorageClass) toS3() types.StorageClass {
	switch sc {
	case StorageCoolIR:
		return types.StorageClassGlacierIr
	case StorageCoolFlex:
		return types.StorageClassGlacier
	case StorageDeep:
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// storageClassFromS3 maps the provider's wire value back to a StorageClass.
func storageClassFromS3(s types.StorageClass) StorageClass {
	switch s {
	case types.StorageClassGlacierIr:
		return StorageCoolIR
	case types.StorageClassGlacier:
		return StorageCoolFlex
	case types.StorageClassDeepArchive:
		return StorageDeep
	default:
		return StorageHot
	}
}

// RestoreTier names the retrieval speed/cost tradeoff for a cold-tier
// rehydration request, per section 4.2.
type RestoreTier string

const (
	TierExpedited RestoreTier = "Expedited"
	TierStandard  RestoreTier = "Standard"
	TierBulk      RestoreTier = "Bulk"
)

// RestoreState is the result of CheckColdRestore.
type RestoreState string

const (
	RestoreNone       RestoreState = "none"
	RestoreInProgress RestoreState = "IN_PROGRESS"
	RestoreReady      RestoreState = "READY"
)
