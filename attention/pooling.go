package attention

import (
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// AttentionMap is a score map flattened and normalized to a distribution over locations.
type AttentionMap []float64

// Sum returns the total mass of the map.
func (a AttentionMap) Sum() float64 {
	return floats.Sum(a)
}

// ContextVector is the attention-weighted sum of a feature map's channel vectors.
type ContextVector []float64

// Pool normalizes scores with a softmax over all H·W locations and returns the
// attention-weighted sum of local's rows. The context vector has local's channel count.
func Pool(scores ScoreMap, local *FeatureMap) (AttentionMap, ContextVector, error) {
	if scores.Height != local.Height() {
		return nil, nil, errdefs.NewShapeError("score map height", local.Height(), scores.Height)
	}
	if scores.Width != local.Width() {
		return nil, nil, errdefs.NewShapeError("score map width", local.Width(), scores.Width)
	}
	if len(scores.Values) != local.Positions() {
		return nil, nil, errdefs.NewShapeError("score map values", local.Positions(), len(scores.Values))
	}

	attention := AttentionMap(nn.Softmax(scores.Values))

	// 1×(H·W) times (H·W)×C.
	rows := mat.NewDense(local.Positions(), local.Channels(), local.Flat())
	context := mat.NewVecDense(local.Channels(), nil)
	context.MulVec(rows.T(), mat.NewVecDense(len(attention), attention))
	return attention, ContextVector(context.RawVector().Data), nil
}

// PoolBackward maps dL/dc to dL/ds. Local features are produced by the backbone and receive
// no gradient here.
func PoolBackward(attention AttentionMap, local *FeatureMap, dContext []float64) []float64 {
	rows := mat.NewDense(local.Positions(), local.Channels(), local.Flat())
	dAttention := mat.NewVecDense(local.Positions(), nil)
	dAttention.MulVec(rows, mat.NewVecDense(len(dContext), dContext))
	return nn.SoftmaxBackward(attention, dAttention.RawVector().Data)
}
