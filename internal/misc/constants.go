package misc

const (
	// SnapshotFormatVersion is bumped whenever the persisted state layout changes.
	SnapshotFormatVersion = 1

	// Argon2id parameters for the at-rest key.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 32

	// KeySize is the size of every symmetric key handled by the vault.
	KeySize = 32

	// MinPassphraseLength applies to the at-rest passphrase.
	MinPassphraseLength = 12
)
