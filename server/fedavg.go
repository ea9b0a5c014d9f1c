package server

import (
	"fmt"
	"math/rand"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/model"
)

// FedAvg is the reference aggregation: each round it samples clients
// uniformly without replacement and replaces the global model with the
// mean of the absorbed update vectors.
type FedAvg struct {
	clients  []fed.LogicalID
	names    []string
	shapes   [][]int64
	global   [][]float32
	sum      [][]float32
	perRound int
	rounds   int
	rng      *rand.Rand
	absorbed int
}

// FedAvgBuilder can build FedAvg handlers.
type FedAvgBuilder struct {
	init     []fed.Tensor
	perRound int
	rounds   int
	seed     int64
}

// MakeFedAvgBuilder returns a builder for a single-round handler that
// samples every client.
func MakeFedAvgBuilder() FedAvgBuilder {
	return FedAvgBuilder{
		rounds: 1,
	}
}

// WithModel sets the initial global model. Every tensor must be float32.
func (b FedAvgBuilder) WithModel(tensors ...fed.Tensor) FedAvgBuilder {
	b.init = tensors
	return b
}

// WithClientsPerRound bounds how many clients join a round. Zero means
// every client.
func (b FedAvgBuilder) WithClientsPerRound(k int) FedAvgBuilder {
	b.perRound = k
	return b
}

// WithRounds sets the number of rounds.
func (b FedAvgBuilder) WithRounds(n int) FedAvgBuilder {
	b.rounds = n
	return b
}

// WithSeed seeds the sampling source.
func (b FedAvgBuilder) WithSeed(seed int64) FedAvgBuilder {
	b.seed = seed
	return b
}

// Build creates the handler.
func (b FedAvgBuilder) Build() *FedAvg {
	if len(b.init) == 0 {
		panic("FedAvg needs an initial model")
	}

	if b.rounds <= 0 {
		panic(fmt.Sprintf("round count must be positive, got %d", b.rounds))
	}

	if b.perRound < 0 {
		panic(fmt.Sprintf(
			"clients per round cannot be negative, got %d", b.perRound))
	}

	f := &FedAvg{
		perRound: b.perRound,
		rounds:   b.rounds,
		rng:      rand.New(rand.NewSource(b.seed)),
	}

	for _, t := range b.init {
		values, err := t.Float32s()
		if err != nil {
			panic("FedAvg aggregates float32 models: " + err.Error())
		}

		f.names = append(f.names, t.Name)
		f.shapes = append(f.shapes, append([]int64(nil), t.Shape...))
		f.global = append(f.global, values)
		f.sum = append(f.sum, make([]float32, len(values)))
	}

	return f
}

// SetClients hands the handler the identity universe to sample from.
func (f *FedAvg) SetClients(ids []fed.LogicalID) {
	f.clients = append([]fed.LogicalID(nil), ids...)
}

func (f *FedAvg) sampleSize() int {
	if f.perRound == 0 || f.perRound >= len(f.clients) {
		return len(f.clients)
	}

	return f.perRound
}

// SampleClients draws the round's clients uniformly without replacement.
func (f *FedAvg) SampleClients(_ int) []fed.LogicalID {
	k := f.sampleSize()

	sample := make([]fed.LogicalID, 0, k)
	for _, i := range f.rng.Perm(len(f.clients))[:k] {
		sample = append(sample, f.clients[i])
	}

	return sample
}

// Downlink returns the current global model.
func (f *FedAvg) Downlink(_ int) []fed.Tensor {
	out := make([]fed.Tensor, len(f.global))
	for i := range f.global {
		out[i] = fed.NewTensor(f.names[i], fed.Float32, f.shapes[i],
			fed.PackFloat32s(f.global[i]))
	}

	return out
}

// Absorb folds one update into the running sum. Once as many updates as
// sampled clients are in, the global model becomes their mean and the
// round is done.
func (f *FedAvg) Absorb(
	_ int,
	_ fed.Rank,
	payload []fed.Tensor,
) (bool, error) {
	if len(payload) != len(f.global) {
		return false, fmt.Errorf("update holds %d tensors, the model has %d",
			len(payload), len(f.global))
	}

	for i, t := range payload {
		values, err := t.Float32s()
		if err != nil {
			return false, err
		}

		if err := model.Accumulate(f.sum[i], values); err != nil {
			return false, fmt.Errorf("tensor %s: %w", t.Name, err)
		}
	}

	f.absorbed++
	if f.absorbed < f.sampleSize() {
		return false, nil
	}

	inv := 1 / float32(f.absorbed)
	for i := range f.global {
		model.Scale(f.sum[i], inv)
		copy(f.global[i], f.sum[i])
		model.Zero(f.sum[i])
	}
	f.absorbed = 0

	return true, nil
}

// Rounds returns the configured round count.
func (f *FedAvg) Rounds() int {
	return f.rounds
}
