package distributed

// SplitTotal divides a total by weight: integer floor shares first, then
// the remainder distributed round-robin one unit at a time from index 0.
// The shares always sum to the total exactly.
func SplitTotal(total uint64, weights []uint64) []uint64 {
	if len(weights) == 0 {
		return nil
	}
	var totalWeight uint64
	for _, w := range weights {
		totalWeight += w
	}
	shares := make([]uint64, len(weights))
	if totalWeight == 0 {
		return shares
	}

	var assigned uint64
	for i, w := range weights {
		share := total * w / totalWeight
		shares[i] = share
		assigned += share
	}
	idx := 0
	for remainder := total - assigned; remainder > 0; remainder-- {
		shares[idx]++
		idx++
		if idx >= len(shares) {
			idx = 0
		}
	}
	return shares
}

// shareWeights normalizes agent weights: they are used as given when any
// differs from 1, otherwise every agent weighs the same.
func shareWeights(weights []uint64) []uint64 {
	useWeights := false
	for _, w := range weights {
		if w != 1 {
			useWeights = true
			break
		}
	}
	if useWeights {
		out := make([]uint64, len(weights))
		copy(out, weights)
		return out
	}
	out := make([]uint64, len(weights))
	for i := range out {
		out[i] = 1
	}
	return out
}

// SplitProfile shards a load profile: every per-stage target (and the
// initial rate) is split by weight while the stage timing is preserved.
func SplitProfile(profile *WireLoadProfile, weights []uint64) []*WireLoadProfile {
	initialShares := SplitTotal(profile.InitialRPM, weights)
	stageShares := make([][]uint64, len(profile.Stages))
	for i, stage := range profile.Stages {
		stageShares[i] = SplitTotal(stage.TargetRPM, weights)
	}

	perAgent := make([]*WireLoadProfile, len(weights))
	for idx := range weights {
		agentProfile := &WireLoadProfile{InitialRPM: initialShares[idx]}
		for stageIdx, stage := range profile.Stages {
			agentProfile.Stages = append(agentProfile.Stages, WireLoadStage{
				DurationSecs: stage.DurationSecs,
				TargetRPM:    stageShares[stageIdx][idx],
			})
		}
		perAgent[idx] = agentProfile
	}
	return perAgent
}

// ApplyLoadShare rewrites one agent's args with its share of the load.
// A sharded profile clears the scalar rate; without either knob the agent
// runs its full per-worker concurrency.
func ApplyLoadShare(args *WireArgs, weights []uint64, idx int) {
	shares := shareWeights(weights)

	if args.LoadProfile != nil {
		split := SplitProfile(args.LoadProfile, shares)
		args.LoadProfile = split[idx]
		args.RateLimit = nil
		return
	}
	if args.RateLimit != nil {
		rateShares := SplitTotal(*args.RateLimit, shares)
		share := rateShares[idx]
		args.RateLimit = &share
	}
}
