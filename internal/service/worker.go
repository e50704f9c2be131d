package service

import (
	"context"
	"math/rand"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/mapping"
	"github.com/pam-connect/server/internal/spatial"
)

// Worker counts with a special meaning.
const (
	WorkersAuto       = 0
	WorkersSequential = -1
)

// poolSize turns a configured worker count into a pool size. A size of one
// runs on the calling goroutine.
func poolSize(workers int) int {
	switch {
	case workers == WorkersAuto:
		return runtime.NumCPU()
	case workers < 0:
		return 1
	default:
		return workers
	}
}

// forEach calls fn for every index in [0, n) on a pool of size workers. fn
// must only write to state owned by index i. Progress is reported about a
// hundred times per call. The pool stops handing out work once ctx is done.
func forEach(ctx context.Context, workers, n int, fn func(i int), progress func(done, total int)) error {
	step := n / 100
	if step < 1 {
		step = 1
	}
	report := func(done int) {
		if progress != nil && (done%step == 0 || done == n) {
			progress(done, n)
		}
	}

	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(i)
			report(i + 1)
		}
		return nil
	}

	jobs := make(chan int)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
				mu.Lock()
				done++
				report(done)
				mu.Unlock()
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// workerContext is the read-only state shared by all workers of one
// computation. grid is only set for the source phase, after every target
// has been inserted.
type workerContext struct {
	mapper    *mapping.Mapper
	pre       mapping.Chain
	post      mapping.Chain
	slayer    *mapping.Layer
	preLayer  *mapping.Layer
	preDist   mapping.DistanceOp
	postLayer *mapping.Layer
	postDist  mapping.DistanceOp
	synapses  int
	seed      int64
	grid      *spatial.Grid
}

// neuronRand returns the random source of neuron i. Every use of randomness
// for a neuron starts from its own seed, so results do not depend on
// scheduling.
func neuronRand(i int, seed int64) *rand.Rand {
	return rand.New(rand.NewSource(int64(i) + seed))
}

type targetOutcome struct {
	target spatial.Target
	err    error
}

// mapTarget walks target neuron i back to the synapse layer.
func (w *workerContext) mapTarget(i int, pos r3.Vec) targetOutcome {
	res, err := w.mapper.Map(w.post, pos, neuronRand(i, w.seed))
	if err != nil {
		return targetOutcome{err: err}
	}
	return targetOutcome{target: spatial.Target{Index: i, UV: res.UV, Point: res.Last(), Distance: res.Length}}
}

type row struct {
	targets   []int
	distances []float64
	synapses  []*r2.Vec
	errs      []ConnectionError
}

func (w *workerContext) emptyRow() row {
	r := row{
		targets:   make([]int, w.synapses),
		distances: make([]float64, w.synapses),
		synapses:  make([]*r2.Vec, w.synapses),
	}
	for j := range r.targets {
		r.targets[j] = Unconnected
		r.distances[j] = Unconnected
	}
	return r
}

// connectSource maps source neuron i to the synapse layer, draws its
// synapses from the grid and measures the full path of every synapse.
func (w *workerContext) connectSource(i int, pos r3.Vec) row {
	r := w.emptyRow()
	res, err := w.mapper.Map(w.pre, pos, neuronRand(i, w.seed))
	if err != nil {
		r.errs = append(r.errs, ConnectionError{Neuron: i, Slot: -1, Stage: StageSource, Message: err.Error()})
		return r
	}

	picks := w.grid.SelectRandom(res.UV, w.synapses, neuronRand(i, w.seed))
	for j, c := range picks {
		pre, _, err := w.mapper.DistanceToSynapse(w.preLayer, w.slayer, res.Last(), c.Synapse, w.preDist)
		if err != nil {
			r.errs = append(r.errs, ConnectionError{Neuron: i, Slot: j, Stage: StagePreSynapse, Message: err.Error()})
			continue
		}
		post, _, err := w.mapper.DistanceToSynapse(w.postLayer, w.slayer, c.Target.Point, c.Synapse, w.postDist)
		if err != nil {
			r.errs = append(r.errs, ConnectionError{Neuron: i, Slot: j, Stage: StagePostSynapse, Message: err.Error()})
			continue
		}
		syn := c.Synapse
		r.targets[j] = c.Target.Index
		r.distances[j] = res.Length + pre + post + c.Target.Distance
		r.synapses[j] = &syn
	}
	return r
}
