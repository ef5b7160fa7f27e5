package compactor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/metastore"
	"github.com/singularity-data/hummock/pkg/metrics"
	"github.com/singularity-data/hummock/pkg/versionmgr"
)

type fakeTaskSource struct {
	groups []uint64
	queue  []*compaction.CompactionTask
	failed []uint64
}

func (f *fakeTaskSource) ListGroups(context.Context) ([]uint64, error) {
	return f.groups, nil
}

func (f *fakeTaskSource) GetCompactTask(_ context.Context, _ uint64, _ string) (*compaction.CompactionTask, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	task := f.queue[0]
	f.queue = f.queue[1:]
	return task, nil
}

func (f *fakeTaskSource) ReportCompactTask(_ context.Context, _ uint64, taskID uint64, success bool, _ []hummock.SstableInfo) error {
	if !success {
		f.failed = append(f.failed, taskID)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDrainsDueWork(t *testing.T) {
	registry := NewRegistry()
	h := registry.Register("w1")
	src := &fakeTaskSource{queue: []*compaction.CompactionTask{
		{TaskID: 1, GroupID: 1},
		{TaskID: 2, GroupID: 1},
	}}

	d := NewDispatcher(src, registry, time.Hour, discardLogger())
	d.dispatchGroup(context.Background(), 1)

	require.Len(t, h.C, 2)
	first := <-h.C
	require.Equal(t, uint64(1), first.Compact.TaskID)
	require.Empty(t, src.queue)
}

func TestDispatcherIdlesWithoutWorkers(t *testing.T) {
	src := &fakeTaskSource{queue: []*compaction.CompactionTask{{TaskID: 1, GroupID: 1}}}
	d := NewDispatcher(src, NewRegistry(), time.Hour, discardLogger())
	d.dispatchGroup(context.Background(), 1)

	// Nothing was pulled; the work stays due for the next pass.
	require.Len(t, src.queue, 1)
}

func TestDispatcherSettlesUndeliverableTask(t *testing.T) {
	registry := NewRegistry()
	h := registry.Register("w1")
	for i := 0; i < taskQueueDepth; i++ {
		require.True(t, registry.Send(h, Task{}))
	}
	src := &fakeTaskSource{queue: []*compaction.CompactionTask{{TaskID: 7, GroupID: 1}}}

	d := NewDispatcher(src, registry, time.Hour, discardLogger())
	d.dispatchGroup(context.Background(), 1)

	require.Equal(t, []uint64{7}, src.failed)
}

func TestDispatcherWakesOnNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewRegistry()
	h := registry.Register("w1")
	src := &fakeTaskSource{queue: []*compaction.CompactionTask{{TaskID: 1, GroupID: 1}}}

	d := NewDispatcher(src, registry, time.Hour, discardLogger())
	go d.Run(ctx)

	d.Notify(1)
	require.Eventually(t, func() bool { return len(h.C) == 1 }, time.Second, 10*time.Millisecond)
}

// Write pressure flows end to end: committed epochs wake the
// dispatcher through the manager's hook and a due task lands in the
// worker's mailbox without anyone polling.
func TestDispatcherDeliversWritePressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := compaction.DefaultConfig()
	cfg.Level0TierCompactFileNumber = 2
	cfg.MaxBytesForLevelBase = 100
	mgr := versionmgr.New(metastore.NewMemStore(), cfg, discardLogger(), metrics.NewNop())
	require.NoError(t, mgr.CreateGroup(ctx, 1))

	registry := NewRegistry()
	h := registry.Register("w1")
	d := NewDispatcher(mgr, registry, time.Hour, discardLogger())
	mgr.OnCompactionNeeded(d.Notify)
	go d.Run(ctx)

	info := func(id uint64, left, right string, size uint64) hummock.SstableInfo {
		return hummock.SstableInfo{
			ID:       id,
			KeyRange: hummock.NewKeyRange([]byte(left), []byte(right)),
			FileSize: size,
		}
	}
	_, err := mgr.AddTables(ctx, 1, 100, []hummock.SstableInfo{
		info(101, "a", "m", 60), info(102, "n", "z", 60),
	})
	require.NoError(t, err)
	_, err = mgr.CommitEpoch(ctx, 1, 100)
	require.NoError(t, err)
	_, err = mgr.AddTables(ctx, 1, 200, []hummock.SstableInfo{info(103, "a", "z", 60)})
	require.NoError(t, err)
	_, err = mgr.CommitEpoch(ctx, 1, 200)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.C) > 0 }, time.Second, 10*time.Millisecond)
	task := <-h.C
	require.NotNil(t, task.Compact)
	require.Equal(t, uint64(1), task.Compact.GroupID)
}
