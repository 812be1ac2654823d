package model

import (
	"context"

	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/latent"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressFunc is called after each batch of a multi-batch pass.
type ProgressFunc func(done, total int)

// EstimateLatentDistribution (compute_pz) runs nBatches training batches
// through a teacher-forced rollout and collects every latent into a new
// table, which replaces the current one. The neighbor graph is dropped; call
// BuildLatentGraph to rebuild it.
//
// The table holds exactly nBatches·batchSize·npred rows. A non-finite latent
// aborts the pass with a NumericInstability error and leaves the current table
// untouched.
func (m *Model) EstimateLatentDistribution(src datasets.Source, nBatches int, progress ProgressFunc) (*latent.Table, error) {
	const op = "model.EstimateLatentDistribution"
	if !m.cfg.Variant.HasLatent() {
		return nil, errs.Configurationf(op, "variant %s has no latent", m.cfg.Variant)
	}
	if nBatches < 1 {
		return nil, errs.Configurationf(op, "nBatches must be >= 1, got %d", nBatches)
	}
	builder := latent.NewBuilder(m.cfg.NZ)
	for i := range nBatches {
		batch, err := src.NextBatch(datasets.Train)
		if err != nil {
			return nil, errors.Wrapf(err, "reading batch %d", i)
		}
		pred, err := m.Rollout(RolloutRequest{
			Frames:       batch.Frames,
			States:       batch.States,
			Actions:      batch.Actions,
			TargetFrames: batch.TargetFrames,
			Sampling:     SampleTeacher,
			Mode:         ModeInfer,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "estimating latents of batch %d", i)
		}
		if err := builder.Append(nets.Flat32(pred.Latents)); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(i+1, nBatches)
		}
	}
	table := builder.Freeze()
	m.SetLatentTable(table)
	klog.V(1).Infof("latent distribution: %s latents of size %d", humanize.Comma(int64(table.Len())), table.Dim())
	return table, nil
}

// BuildLatentGraph (compute_z_graph) builds the neighbor index of the current
// table with NeighborK neighbors per row. Sampling waits for the rebuild.
func (m *Model) BuildLatentGraph(ctx context.Context) (*latent.Index, error) {
	m.distMu.Lock()
	defer m.distMu.Unlock()
	if m.table.Len() == 0 {
		return nil, errs.EmptyDistributionf("model.BuildLatentGraph", "latent table is empty, run EstimateLatentDistribution first")
	}
	ix, err := latent.BuildIndex(ctx, m.table, m.cfg.NeighborK, 0)
	if err != nil {
		return nil, err
	}
	m.index = ix
	return ix, nil
}

// SetLatentTable replaces the latent table, for instance with one restored
// from disk, and drops the neighbor graph.
func (m *Model) SetLatentTable(t *latent.Table) {
	m.distMu.Lock()
	defer m.distMu.Unlock()
	m.table = t
	m.index = nil
}

// LatentTable returns the current table, nil before estimation.
func (m *Model) LatentTable() *latent.Table {
	m.distMu.RLock()
	defer m.distMu.RUnlock()
	return m.table
}

// LatentIndex returns the current neighbor index, nil if not built.
func (m *Model) LatentIndex() *latent.Index {
	m.distMu.RLock()
	defer m.distMu.RUnlock()
	return m.index
}

// SampleLatents draws a [batch, steps, NZ] latent sequence from the table with
// the fixed-prior or knn sampler.
func (m *Model) SampleLatents(sampling Sampling, initial [][]float64, batch, steps int) (*latent.Sequence, error) {
	if sampling != SampleFixedPrior && sampling != SampleKNN {
		return nil, errs.Configurationf("model.SampleLatents", "host sampling supports fp and knn, got %s", sampling)
	}
	return m.sampleSequence(sampling, initial, batch, steps)
}
