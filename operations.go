package heirloom

// Operation is the closed set of externally invokable operations. It names
// audit actions and drives the transport's dispatch switch.
type Operation string

const (
	OpCreateUser             Operation = "CREATE_USER"
	OpDeleteUser             Operation = "DELETE_USER"
	OpHeartbeat              Operation = "HEARTBEAT"
	OpAddSecret              Operation = "ADD_SECRET"
	OpUpdateSecret           Operation = "UPDATE_SECRET"
	OpRemoveSecret           Operation = "REMOVE_SECRET"
	OpGetSecret              Operation = "GET_SECRET"
	OpListSecrets            Operation = "LIST_SECRETS"
	OpGetDecryptionMaterial  Operation = "GET_DECRYPTION_MATERIAL"
	OpRekeySecret            Operation = "REKEY_SECRET"
	OpCreateTestament        Operation = "CREATE_TESTAMENT"
	OpUpdateTestament        Operation = "UPDATE_TESTAMENT"
	OpDeleteTestament        Operation = "DELETE_TESTAMENT"
	OpGetTestament           Operation = "GET_TESTAMENT"
	OpListTestaments         Operation = "LIST_TESTAMENTS"
	OpAddSecretToKeyBox      Operation = "ADD_SECRET_TO_KEYBOX"
	OpRemoveSecretFromKeyBox Operation = "REMOVE_SECRET_FROM_KEYBOX"
	OpListInheritances       Operation = "LIST_INHERITANCES"
	OpGetInheritance         Operation = "GET_INHERITANCE"
	OpGetInheritedSecret     Operation = "GET_INHERITED_SECRET"
	OpDeriveWrappingKey      Operation = "DERIVE_WRAPPING_KEY"
	OpEvaluateConditions     Operation = "EVALUATE_CONDITIONS"
	OpReleaseTestament       Operation = "TESTAMENT_RELEASED"
)

var allOperations = []Operation{
	OpCreateUser, OpDeleteUser, OpHeartbeat,
	OpAddSecret, OpUpdateSecret, OpRemoveSecret, OpGetSecret, OpListSecrets,
	OpGetDecryptionMaterial, OpRekeySecret,
	OpCreateTestament, OpUpdateTestament, OpDeleteTestament, OpGetTestament, OpListTestaments,
	OpAddSecretToKeyBox, OpRemoveSecretFromKeyBox,
	OpListInheritances, OpGetInheritance, OpGetInheritedSecret,
	OpDeriveWrappingKey, OpEvaluateConditions, OpReleaseTestament,
}

// Operations returns every known operation in declaration order.
func Operations() []Operation {
	out := make([]Operation, len(allOperations))
	copy(out, allOperations)
	return out
}

// Mutating reports whether the operation changes registry state beyond the
// owner activity timestamp.
func (o Operation) Mutating() bool {
	switch o {
	case OpCreateUser, OpDeleteUser,
		OpAddSecret, OpUpdateSecret, OpRemoveSecret, OpRekeySecret,
		OpCreateTestament, OpUpdateTestament, OpDeleteTestament,
		OpAddSecretToKeyBox, OpRemoveSecretFromKeyBox,
		OpEvaluateConditions, OpReleaseTestament:
		return true
	default:
		return false
	}
}

// Valid reports whether o belongs to the closed operation set.
func (o Operation) Valid() bool {
	for _, known := range allOperations {
		if o == known {
			return true
		}
	}
	return false
}

func (o Operation) String() string { return string(o) }
