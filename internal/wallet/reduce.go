package wallet

// Merge folds per-provider states into one UnifiedState. The first connected
// provider in Providers order wins; entries for unknown ids are ignored and
// missing providers count as disconnected. Merge is pure and total.
func Merge(states map[ProviderID]ProviderState) UnifiedState {
	out := Initial()
	for _, p := range Providers {
		st, ok := states[p]
		if !ok {
			continue
		}
		st.Provider = p
		out.PerProvider.set(st.Sanitize())
	}

	for _, p := range Providers {
		st := out.PerProvider.Get(p)
		if !st.Connected {
			continue
		}
		out.Connected = true
		out.Address = st.Address
		out.ChainID = st.ChainID
		out.ActiveProvider = p
		break
	}
	return out
}
