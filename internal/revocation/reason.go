package revocation

// Reason is a CRL reason code (RFC 5280 §5.3.1).
// Free-text reason strings map onto this closed set; anything
// unrecognized becomes Unspecified, never an error. The original
// human-readable string is preserved separately in the revocation
// record as an audit note.
type Reason int

const (
	Unspecified          Reason = 0
	KeyCompromise        Reason = 1
	CACompromise         Reason = 2
	AffiliationChanged   Reason = 3
	Superseded           Reason = 4
	CessationOfOperation Reason = 5
	PrivilegeWithdrawn   Reason = 9
)

// reasonTable is the fixed lookup from human-readable reason strings.
var reasonTable = map[string]Reason{
	"Key Compromise":         KeyCompromise,
	"CA Compromise":          CACompromise,
	"Affiliation Changed":    AffiliationChanged,
	"Superseded":             Superseded,
	"Cessation of Operation": CessationOfOperation,
	"Privilege Withdrawn":    PrivilegeWithdrawn,
	"No reason provided":     Unspecified,
}

// ParseReason maps a free-text reason string to a Reason.
// Unmapped strings map to Unspecified.
func ParseReason(s string) Reason {
	if r, ok := reasonTable[s]; ok {
		return r
	}
	return Unspecified
}

// Code returns the numeric RFC 5280 reason code.
func (r Reason) Code() int {
	return int(r)
}

// Label returns the human-readable reason text as stored in revocation
// records. It is the inverse of ParseReason for every mapped reason.
func (r Reason) Label() string {
	for label, reason := range reasonTable {
		if reason == r && label != "No reason provided" {
			return label
		}
	}
	return "No reason provided"
}

// String returns the canonical name of the reason code.
func (r Reason) String() string {
	switch r {
	case KeyCompromise:
		return "keyCompromise"
	case CACompromise:
		return "cACompromise"
	case AffiliationChanged:
		return "affiliationChanged"
	case Superseded:
		return "superseded"
	case CessationOfOperation:
		return "cessationOfOperation"
	case PrivilegeWithdrawn:
		return "privilegeWithdrawn"
	default:
		return "unspecified"
	}
}
