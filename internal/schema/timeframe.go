package schema

// TimeframeMS converts a candle timeframe label like "1m", "4h", or "1d"
// into its span in milliseconds. The second return is false for labels the
// pipeline does not recognize.
func TimeframeMS(tf string) (int64, bool) {
	if len(tf) < 2 {
		return 0, false
	}
	unit := tf[len(tf)-1]
	var n int64
	for _, r := range tf[:len(tf)-1] {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	if n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return n * 1_000, true
	case 'm':
		return n * 60_000, true
	case 'h':
		return n * 3_600_000, true
	case 'd':
		return n * 86_400_000, true
	case 'w':
		return n * 7 * 86_400_000, true
	}
	return 0, false
}

// SortTimeframes orders timeframe labels by ascending span. Unknown labels
// sort last in input order. The input slice is returned for chaining.
func SortTimeframes(tfs []string) []string {
	// Insertion sort keeps this allocation-free for the handful of
	// timeframes a deployment configures.
	for i := 1; i < len(tfs); i++ {
		for j := i; j > 0; j-- {
			a, aok := TimeframeMS(tfs[j-1])
			b, bok := TimeframeMS(tfs[j])
			swap := false
			switch {
			case aok && bok:
				swap = b < a
			case !aok && bok:
				swap = true
			}
			if !swap {
				break
			}
			tfs[j-1], tfs[j] = tfs[j], tfs[j-1]
		}
	}
	return tfs
}
