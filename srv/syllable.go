package srv

import (
	"math"
	"math/rand/v2"
	"strings"
)

// seedSyllables is the last-resort candidate list when the index has
// nothing usable under the current constraints.
var seedSyllables = []string{
	"RE", "LA", "TI", "ON", "EN", "AN", "ER", "ES", "DE", "LE", "IN", "CH",
	"TRA", "CON", "PRE", "TION",
}

// scenarioLengths returns the syllable lengths a scenario draws from.
func scenarioLengths(scenario string) []int {
	if scenario == ScenarioFourLetters {
		return []int{4}
	}
	return []int{2, 3}
}

// scenarioCountCap returns the max distinct-word count a candidate may
// have under the scenario, or 0 for no cap.
func scenarioCountCap(scenario string) int {
	switch scenario {
	case ScenarioSub8:
		return 8
	case ScenarioSub50:
		return 50
	}
	return 0
}

// SelectSyllable picks the next syllable for a room under its scenario.
// used is mutated when the candidate pool is exhausted (scenario-
// preserving reset). trainAllowed restricts candidates in "train skip";
// when that restricted pool is exhausted, ok is false and the caller
// ends the game. For every other scenario ok is false only when even the
// seed list is empty under constraints.
func SelectSyllable(dict *Dictionary, scenario string, used map[string]bool, trainAllowed map[string]bool) (syllable string, ok bool) {
	if trainAllowed != nil {
		return selectFromTrainSet(dict, used, trainAllowed)
	}

	lengths := scenarioLengths(scenario)
	countCap := scenarioCountCap(scenario)

	// Primary path: the count map for a uniformly chosen length.
	l := lengths[rand.IntN(len(lengths))]
	if syl, found := pickFromCounts(dict, []int{l}, countCap, used); found {
		return syl, true
	}
	// The chosen length may be dry; merge every allowed length before
	// resetting the used set.
	if syl, found := pickFromCounts(dict, lengths, countCap, used); found {
		return syl, true
	}
	// Exhausted under the used-set: clear it and retry within the same
	// scenario. Never fall back to out-of-scenario syllables here.
	if anyCandidate(dict, lengths, countCap) {
		clear(used)
		if syl, found := pickFromCounts(dict, lengths, countCap, used); found {
			return syl, true
		}
	}

	// Degraded path: sample-list keys of an allowed length.
	if syl, found := pickFromSampleKeys(dict, lengths, used); found {
		return syl, true
	}

	// Built-in seed list.
	var seeds []string
	for _, s := range seedSyllables {
		if lengthAllowed(len([]rune(s)), lengths) && !used[s] {
			seeds = append(seeds, s)
		}
	}
	if len(seeds) == 0 {
		for _, s := range seedSyllables {
			if lengthAllowed(len([]rune(s)), lengths) {
				seeds = append(seeds, s)
			}
		}
	}
	if len(seeds) == 0 {
		return "", false
	}
	return seeds[rand.IntN(len(seeds))], true
}

func lengthAllowed(l int, lengths []int) bool {
	for _, allowed := range lengths {
		if l == allowed {
			return true
		}
	}
	return false
}

// selectFromTrainSet restricts candidates to the practice set. Counts
// weight the pick when available; otherwise the pick is uniform.
func selectFromTrainSet(dict *Dictionary, used, trainAllowed map[string]bool) (string, bool) {
	var candidates []string
	for syl := range trainAllowed {
		if !used[syl] {
			candidates = append(candidates, syl)
		}
	}
	if len(candidates) == 0 {
		// Practice set exhausted: the caller ends the game.
		return "", false
	}

	var counted []string
	var weights []float64
	for _, syl := range candidates {
		if c, ok := dict.CountFor(syl); ok && c > 0 {
			counted = append(counted, syl)
			weights = append(weights, float64(c))
		}
	}
	if len(counted) > 0 {
		return counted[weightedIndex(weights)], true
	}
	return candidates[rand.IntN(len(candidates))], true
}

// pickFromCounts selects among indexed syllables of the given lengths,
// honoring the count cap and the used set. Count-capped scenarios pick
// uniformly so rare syllables are equidistributed; otherwise the pick is
// weighted by sqrt(count).
func pickFromCounts(dict *Dictionary, lengths []int, countCap int, used map[string]bool) (string, bool) {
	var candidates []string
	var weights []float64
	for _, l := range lengths {
		for syl, count := range dict.CountsForLength(l) {
			if count <= 0 || used[syl] {
				continue
			}
			if countCap > 0 && count > countCap {
				continue
			}
			candidates = append(candidates, syl)
			weights = append(weights, math.Sqrt(float64(count)))
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	if countCap > 0 {
		return candidates[rand.IntN(len(candidates))], true
	}
	return candidates[weightedIndex(weights)], true
}

// anyCandidate reports whether the scenario has candidates at all,
// ignoring the used set.
func anyCandidate(dict *Dictionary, lengths []int, countCap int) bool {
	for _, l := range lengths {
		for _, count := range dict.CountsForLength(l) {
			if count <= 0 {
				continue
			}
			if countCap > 0 && count > countCap {
				continue
			}
			return true
		}
	}
	return false
}

func pickFromSampleKeys(dict *Dictionary, lengths []int, used map[string]bool) (string, bool) {
	idx := dict.idx.Load()
	if idx == nil {
		return "", false
	}
	var candidates []string
	for key := range idx.samples {
		// keys are "L:SYL"
		i := strings.IndexByte(key, ':')
		if i < 0 {
			continue
		}
		syl := key[i+1:]
		if lengthAllowed(len([]rune(syl)), lengths) && !used[syl] {
			candidates = append(candidates, syl)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// weightedIndex draws an index proportionally to weights.
func weightedIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return rand.IntN(len(weights))
	}
	target := rand.Float64() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return i
		}
	}
	return len(weights) - 1
}
