package types

type Phase string

const (
	PhaseFullLong Phase = "FULL_LONG"
	PhaseFullCash Phase = "FULL_CASH"
	PhaseMixed    Phase = "MIXED"
)

// DerivePhase computes the phase from the window's side counts. It is never stored.
// A window holding only sells is fully long even while an order is missing, so a
// degraded window still trails the price.
func DerivePhase(sells, buys int) Phase {
	switch {
	case sells > 0 && buys == 0:
		return PhaseFullLong
	case buys > 0 && sells == 0:
		return PhaseFullCash
	default:
		return PhaseMixed
	}
}
