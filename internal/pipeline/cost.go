package pipeline

import "github.com/muse-works/muse/internal/imagegen"

// Text model pricing in USD per million tokens.
const (
	inputRatePerMTok  = 3.0
	outputRatePerMTok = 15.0
)

// transformMarkup is the margin applied to billable transformations.
const transformMarkup = 1.5

// collectionTrainingCostUSD covers the model training run after a
// collection finishes (electricity estimate for 4000 steps on 2x4090).
const collectionTrainingCostUSD = 2.0

// TextCost returns the USD cost of one text completion.
func TextCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*inputRatePerMTok/1_000_000 +
		float64(outputTokens)*outputRatePerMTok/1_000_000
}

// SinglePieceCost estimates one full generation: prompt (~2000 in, 500
// out), reflection (~2000 in, 2000 out), title (~3000 in, 50 out), and
// one image.
func SinglePieceCost() float64 {
	return TextCost(7000, 2550) + imagegen.ImageCostUSD
}

// TransformCost prices a writing transformation with the markup.
func TransformCost(inputTokens, outputTokens int64) float64 {
	return TextCost(inputTokens, outputTokens) * transformMarkup
}

// CollectionCost estimates a full collection run: per-subject stream
// generation plus the full pipeline, plus the training surcharge.
func CollectionCost(numSubjects int) float64 {
	perSubject := SinglePieceCost() + TextCost(500, 2000)
	return perSubject*float64(numSubjects) + collectionTrainingCostUSD
}
