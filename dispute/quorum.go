package dispute

// Resolve computes the arbitration outcome from the vote counts.
// A side wins only with a strict majority of the currently active arbiters,
// not of the votes cast. Ties and partial quorums stay unresolved.
func Resolve(activeArbiters, favorLandlord, favorTenant int) Outcome {
	if activeArbiters <= 0 {
		return OutcomeUnresolved
	}
	switch {
	case 2*favorLandlord > activeArbiters:
		return OutcomeLandlord
	case 2*favorTenant > activeArbiters:
		return OutcomeTenant
	}
	return OutcomeUnresolved
}
