package types

// Slot names a placement for one share of a split secret
type Slot string

// Share slots
const (
	SlotClient Slot = "client"
	SlotHot    Slot = "hot"
	SlotCold   Slot = "cold"
)

// StoredSlots are the slots persisted server-side. The client slot never is.
var StoredSlots = []Slot{SlotHot, SlotCold}

// EncryptionPolicy selects which shares are password-encrypted
type EncryptionPolicy string

// Encryption policies
const (
	// PolicyEncryptAll encrypts the client, hot and cold shares
	PolicyEncryptAll EncryptionPolicy = "encrypt-all"
	// PolicyEncryptColdOnly encrypts only the cold share
	PolicyEncryptColdOnly EncryptionPolicy = "encrypt-cold-only"
)

// Valid reports whether p is a supported policy
func (p EncryptionPolicy) Valid() bool {
	return p == PolicyEncryptAll || p == PolicyEncryptColdOnly
}

// EncryptsHot reports whether newly written hot shares are encrypted
func (p EncryptionPolicy) EncryptsHot() bool {
	return p == PolicyEncryptAll
}

// EncryptsClient reports whether client shares are exchanged encrypted
func (p EncryptionPolicy) EncryptsClient() bool {
	return p == PolicyEncryptAll
}

// StoreBackend constants
const (
	StoreBackendMemory   = "memory"
	StoreBackendVault    = "vault"
	StoreBackendPostgres = "postgres"
)

// SealProvider constants
const (
	SealProviderNone   = "none"
	SealProviderLocal  = "local"
	SealProviderAWSKMS = "aws-kms"
	SealProviderVault  = "vault"
)
