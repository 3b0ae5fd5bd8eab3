// Package score computes the quality vector for candidate trade loops.
// Eighteen metrics in four families (value fairness, structural quality,
// liveness, preference), each normalized to [0,1]. The aggregate is the
// weighted sum in fixed metric order with float64 accumulation, so equal
// inputs and weights always produce an identical aggregate.
package score

import (
	"fmt"
	"math"
	"time"

	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/models"
)

// MetricNames fixes the metric order. Weights are indexed by this order.
var MetricNames = []string{
	// Value fairness
	"value_step_delta",
	"value_variance",
	"value_max_min_gap",
	"value_confidence",
	"value_currency_norm",
	// Structural quality
	"loop_length",
	"participant_diversity",
	"edge_redundancy",
	"community_cohesion",
	// Liveness
	"participant_activity",
	"valuation_freshness",
	"ownership_staleness",
	// Preference
	"specific_want_ratio",
	"want_directness",
	"pref_min_value_match",
	"pref_max_participants_match",
	"pref_collection_affinity",
	"pref_hint_coverage",
}

// NumMetrics is the length every weight vector must have.
const NumMetrics = 18

// DefaultWeights sum to exactly 1.0: value 0.30, structure 0.30,
// liveness 0.15, preference 0.25.
var DefaultWeights = []float64{
	0.08, 0.07, 0.05, 0.05, 0.05,
	0.10, 0.08, 0.06, 0.06,
	0.05, 0.05, 0.05,
	0.05, 0.05, 0.04, 0.04, 0.04, 0.03,
}

const weightTolerance = 1e-9

// livenessWindow is the horizon beyond which activity and valuation
// timestamps stop contributing.
const livenessWindow = 30 * 24 * time.Hour

// ValidateWeights checks length and that the vector sums to 1.0.
func ValidateWeights(w []float64) error {
	if len(w) != NumMetrics {
		return fmt.Errorf("%w: want %d score weights, got %d", models.ErrInvalidInput, NumMetrics, len(w))
	}
	sum := 0.0
	for _, x := range w {
		if x < 0 {
			return fmt.Errorf("%w: negative score weight", models.ErrInvalidInput)
		}
		sum += x
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: score weights sum to %v, want 1.0", models.ErrInvalidInput, sum)
	}
	return nil
}

// Input is everything the scorer needs about one candidate loop.
type Input struct {
	Steps    []models.TradeStep
	View     *graph.View
	MaxDepth int
	Cohesion float64
	Now      time.Time
}

// Compute returns the metric vector and aggregate for a candidate. The
// weight vector must already be validated.
func Compute(in Input, weights []float64) ([]float64, float64) {
	if weights == nil {
		weights = DefaultWeights
	}
	vec := make([]float64, NumMetrics)

	k := len(in.Steps)
	snap := in.View.Snapshot()

	// Per-step given value; a participant's received value is the value
	// of the step targeting them.
	values := make([]float64, k)
	confidences := make([]float64, k)
	currencies := make(map[string]int)
	valued := 0
	var valuationAge float64
	valuationAged := 0
	for i, s := range in.Steps {
		if n, ok := snap.NFTs[s.NFT]; ok && n.Valuation != nil {
			values[i] = n.Valuation.Amount
			confidences[i] = clamp01(n.Valuation.Confidence)
			currencies[n.Valuation.Currency]++
			valued++
			if !n.Valuation.UpdatedAt.IsZero() {
				valuationAge += ageFactor(in.Now, n.Valuation.UpdatedAt)
				valuationAged++
			}
		}
	}

	// --- Value fairness ---
	if valued == k {
		maxV, minV, mean := values[0], values[0], 0.0
		for _, v := range values {
			if v > maxV {
				maxV = v
			}
			if v < minV {
				minV = v
			}
			mean += v
		}
		mean /= float64(k)

		// Per-participant delta between the value given and received.
		var delta float64
		for i := range in.Steps {
			give := values[i]
			recv := values[(i-1+k)%k] // step targeting this participant
			delta += math.Abs(give - recv)
		}
		delta /= float64(k)
		if maxV > 0 {
			vec[0] = 1 - clamp01(delta/maxV)
		} else {
			vec[0] = 1
		}

		var variance float64
		for _, v := range values {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(k)
		if mean > 0 {
			vec[1] = 1 - clamp01(variance/(mean*mean))
		} else {
			vec[1] = 1
		}

		if maxV > 0 {
			vec[2] = 1 - clamp01((maxV-minV)/maxV)
		} else {
			vec[2] = 1
		}

		var conf float64
		for _, c := range confidences {
			conf += c
		}
		vec[3] = conf / float64(k)

		dominant := 0
		for _, n := range currencies {
			if n > dominant {
				dominant = n
			}
		}
		vec[4] = float64(dominant) / float64(k)
	} else {
		// Unvalued loops score neutral on the value family.
		vec[0], vec[1], vec[2], vec[4] = 0.5, 0.5, 0.5, 0.5
		vec[3] = 0
	}

	// --- Structural quality ---
	if in.MaxDepth > 2 {
		vec[5] = clamp01(float64(in.MaxDepth-k) / float64(in.MaxDepth-2))
	} else {
		vec[5] = 1
	}

	distinct := make(map[string]struct{}, k)
	for _, s := range in.Steps {
		distinct[s.From] = struct{}{}
	}
	vec[6] = float64(len(distinct)) / float64(k)

	var redundancy float64
	for _, s := range in.Steps {
		r := parallelEdges(in.View, s.From, s.To)
		if r < 1 {
			r = 1
		}
		redundancy += 1 - 1/float64(r)
	}
	vec[7] = redundancy / float64(k)

	vec[8] = clamp01(in.Cohesion)

	// --- Liveness ---
	var activity float64
	for _, s := range in.Steps {
		if ws, ok := snap.Wallets[s.From]; ok && !ws.UpdatedAt.IsZero() {
			activity += ageFactor(in.Now, ws.UpdatedAt)
		}
	}
	vec[9] = activity / float64(k)

	if valuationAged > 0 {
		vec[10] = valuationAge / float64(valuationAged)
	}

	var ownership float64
	for _, s := range in.Steps {
		if n, ok := snap.NFTs[s.NFT]; ok && !n.UpdatedAt.IsZero() {
			ownership += ageFactor(in.Now, n.UpdatedAt)
		}
	}
	vec[11] = ownership / float64(k)

	// --- Preference ---
	specific := 0
	for _, s := range in.Steps {
		if s.ViaCollection == "" {
			specific++
		}
	}
	vec[12] = float64(specific) / float64(k)

	// Directness: the weakest want in the loop; a collection want counts
	// half of a specific want.
	vec[13] = 1
	for _, s := range in.Steps {
		w := 1.0
		if s.ViaCollection != "" {
			w = 0.5
		}
		if w < vec[13] {
			vec[13] = w
		}
	}

	minValueOK, maxPartOK, hinted := 0, 0, 0
	affinity := 0.0
	for i, s := range in.Steps {
		ws, ok := snap.Wallets[s.To]
		var prefs *models.WalletPreferences
		if ok {
			prefs = ws.Prefs
		}
		if prefs != nil {
			hinted++
		}
		recv := values[i]
		if prefs == nil || prefs.MinTradeValue <= 0 || recv >= prefs.MinTradeValue {
			minValueOK++
		}
		if prefs == nil || prefs.MaxParticipants <= 0 || k <= prefs.MaxParticipants {
			maxPartOK++
		}

		// Affinity: a receiver whose specific want is reinforced by a
		// matching collection want (or vice versa) scores full.
		hasSpecific := s.ViaCollection == ""
		hasCollection := false
		if ok {
			if n, inSnap := snap.NFTs[s.NFT]; inSnap && n.Collection != "" {
				for _, coll := range ws.WantsCollection {
					if coll == n.Collection {
						hasCollection = true
						break
					}
				}
			}
		}
		switch {
		case hasSpecific && hasCollection:
			affinity += 1
		case hasSpecific || hasCollection:
			affinity += 0.5
		}
	}
	vec[14] = float64(minValueOK) / float64(k)
	vec[15] = float64(maxPartOK) / float64(k)
	vec[16] = affinity / float64(k)
	vec[17] = float64(hinted) / float64(k)

	// Aggregate in fixed index order.
	agg := 0.0
	for i := 0; i < NumMetrics; i++ {
		agg += weights[i] * vec[i]
	}
	return vec, agg
}

// parallelEdges counts how many alternative NFTs from could hand to to.
func parallelEdges(v *graph.View, from, to string) int {
	n := 0
	for _, e := range v.OutEdges(from) {
		if e.To == to {
			n++
		}
	}
	return n
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ageFactor decays linearly from 1 (now) to 0 (livenessWindow ago).
func ageFactor(now, t time.Time) float64 {
	age := now.Sub(t)
	if age <= 0 {
		return 1
	}
	if age >= livenessWindow {
		return 0
	}
	return 1 - float64(age)/float64(livenessWindow)
}
