package model

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/graph"
)

// RouteKind identifies which of the three forward paths a bag took.
type RouteKind int

const (
	// RouteDirect bags hold a single instance: its PCNN feature is classified as is.
	RouteDirect RouteKind = iota
	// RouteSurvivor bags have exactly one instance left after the gate: it is classified alone.
	RouteSurvivor
	// RouteAttended bags aggregate their surviving instances with attention.
	RouteAttended
)

func (k RouteKind) String() string {
	switch k {
	case RouteDirect:
		return "direct"
	case RouteSurvivor:
		return "survivor"
	case RouteAttended:
		return "attended"
	default:
		return fmt.Sprintf("RouteKind(%d)", int(k))
	}
}

// Route is the path a bag took through the forward pass: Direct, Survivor or Attended.
// Weights gives the contribution of every instance of the bag to its representation.
type Route interface {
	Kind() RouteKind
	Weights() []float32
}

type Direct struct{}

func (Direct) Kind() RouteKind { return RouteDirect }

func (Direct) Weights() []float32 { return []float32{1} }

// Survivor records the only instance of the bag that passed the gate.
type Survivor struct {
	Instance int
	BagSize  int
}

func (Survivor) Kind() RouteKind { return RouteSurvivor }

func (s Survivor) Weights() []float32 {
	weights := make([]float32, s.BagSize)
	weights[s.Instance] = 1
	return weights
}

// Attended carries the attention weights over the bag's instances; masked instances weigh 0.
type Attended struct {
	AttentionWeights []float32
}

func (Attended) Kind() RouteKind { return RouteAttended }

func (a Attended) Weights() []float32 {
	return append([]float32(nil), a.AttentionWeights...)
}

// decodeRoute turns the graph's route code and a bag's weight row back into a Route.
func decodeRoute(code float32, weights []float32) (Route, error) {
	switch kind := RouteKind(math.Round(float64(code))); kind {
	case RouteDirect:
		return Direct{}, nil
	case RouteSurvivor:
		instance := 0
		for i, w := range weights {
			if w > weights[instance] {
				instance = i
			}
		}
		return Survivor{Instance: instance, BagSize: len(weights)}, nil
	case RouteAttended:
		return Attended{AttentionWeights: append([]float32(nil), weights...)}, nil
	default:
		return nil, fmt.Errorf("unknown route code %f", code)
	}
}

// routes computes the per-bag route indicators from instance counts: direct [B] is 1 for
// single instance bags, survivor [B] is 1 for bags the gate reduced to one instance.
// code [B] is the RouteKind of each bag.
func routes(membership, kept *Node) (direct, survivor, code *Node) {
	dtype := membership.DType()
	size := ReduceSum(membership, 1)
	keptCount := ReduceSum(kept, 1)
	direct = ConvertDType(Equal(size, OnesLike(size)), dtype)
	survivor = ConvertDType(Equal(keptCount, OnesLike(keptCount)), dtype)
	// direct -> 0, survivor -> 1, attended -> 2.
	code = Mul(Sub(OnesLike(direct), direct), AddScalar(Neg(survivor), 2))
	return StopGradient(direct), StopGradient(survivor), StopGradient(code)
}

// choose picks onTrue [B, D] where indicator [B] is 1 and onFalse where it is 0. The branch
// not taken contributes neither value nor gradient.
func choose(indicator, onTrue, onFalse *Node) *Node {
	selector := BroadcastToShape(InsertAxes(indicator, 1), onTrue.Shape())
	return Add(Mul(selector, onTrue), Mul(Sub(OnesLike(selector), selector), onFalse))
}
