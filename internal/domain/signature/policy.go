package signature

// signingCapabilities maps each role to the purposes it may sign for.
// Admin is deliberately absent: administrative access does not confer
// clinical attestation authority.
var signingCapabilities = map[string][]Purpose{
	"doctor": {
		PurposeRecordCreation, PurposeRecordUpdate, PurposeClinicalNote,
		PurposePrescription, PurposeInformedConsent, PurposeLabResult,
	},
	"nurse": {
		PurposeClinicalNote, PurposeInformedConsent,
	},
	"lab-technician": {
		PurposeLabResult,
	},
}

// CanSign reports whether a role holds signing capability for a purpose.
func CanSign(role string, purpose Purpose) bool {
	for _, p := range signingCapabilities[role] {
		if p == purpose {
			return true
		}
	}
	return false
}

// CanRevoke reports whether an actor may revoke a signature. The signer may
// revoke their own signature; admins may revoke any.
func CanRevoke(actorID, role string, sig *Signature) bool {
	if role == "admin" {
		return true
	}
	return actorID != "" && actorID == sig.SignerID
}
