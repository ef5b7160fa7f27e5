package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/objstore"
)

// ErrUnsupportedBound is returned for bound shapes the scan planner
// cannot serve: an excluded lower bound on a forward scan and an
// excluded upper bound on a reverse scan.
var ErrUnsupportedBound = errors.New("storage: unsupported scan bound")

// Bound is one end of a scan range.
type Bound struct {
	Key       []byte
	Included  bool
	Unbounded bool
}

// Unbounded returns the open bound.
func Unbounded() Bound {
	return Bound{Unbounded: true}
}

// Including returns an inclusive bound at key.
func Including(key []byte) Bound {
	return Bound{Key: key, Included: true}
}

// Excluding returns an exclusive bound at key.
func Excluding(key []byte) Bound {
	return Bound{Key: key}
}

// KV is one scan result.
type KV struct {
	Key   []byte
	Value []byte
}

// Write is one entry of a write batch.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// iMetaClient is the slice of the version manager the facade consumes.
type iMetaClient interface {
	PinVersion(ctx context.Context, gid uint64, contextID string) (*hummock.HummockVersion, error)
	UnpinVersion(ctx context.Context, gid uint64, contextID string) error
	AddTables(ctx context.Context, gid, epoch uint64, tables []hummock.SstableInfo) (*hummock.HummockVersion, error)
	GetNewSstableID(ctx context.Context) (uint64, error)
}

// Options configures one facade instance.
type Options struct {
	GroupID uint64
	// DataDir prefixes sstable object paths.
	DataDir string
	// SstableCapacity bounds each file a write batch produces.
	SstableCapacity uint64
	// Compression names the algorithm for files this facade writes.
	Compression string
}

// Storage reads and writes one compaction group through pinned
// versions. Each instance acts as its own reader context with a
// generated context id, so its pins are released independently.
type Storage struct {
	opts      Options
	contextID string
	meta      iMetaClient
	obj       objstore.ObjectStore
	log       *slog.Logger
}

func New(meta iMetaClient, obj objstore.ObjectStore, opts Options, log *slog.Logger) *Storage {
	return &Storage{
		opts:      opts,
		contextID: uuid.NewString(),
		meta:      meta,
		obj:       obj,
		log:       log,
	}
}

// ContextID returns the reader context identity of this facade.
func (s *Storage) ContextID() string {
	return s.contextID
}

func (s *Storage) fetch(ctx context.Context, id uint64) (*SstableData, error) {
	blob, err := s.obj.Get(ctx, objstore.SstablePath(s.opts.DataDir, id))
	if err != nil {
		return nil, fmt.Errorf("fetch sstable %d: %w", id, err)
	}
	data, err := DecodeSstable(blob)
	if err != nil {
		return nil, fmt.Errorf("decode sstable %d: %w", id, err)
	}
	return data, nil
}

// Get returns the newest value of key visible at epoch; ok is false
// when the key is absent or deleted.
func (s *Storage) Get(ctx context.Context, key []byte, epoch uint64) (value []byte, ok bool, err error) {
	version, err := s.meta.PinVersion(ctx, s.opts.GroupID, s.contextID)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if uerr := s.meta.UnpinVersion(ctx, s.opts.GroupID, s.contextID); uerr != nil && err == nil {
			err = uerr
		}
	}()

	// L0 newest sub-level first: later sub-levels hold strictly newer
	// versions of any key they share with earlier ones.
	subs := version.Levels.L0.SubLevels
	for i := len(subs) - 1; i >= 0; i-- {
		e, found, err := s.getFromTables(ctx, key, epoch, subs[i].TableInfos, subs[i].LevelType)
		if err != nil {
			return nil, false, err
		}
		if found {
			return entryResult(e)
		}
	}
	for i := 1; i <= version.Levels.MaxLevel(); i++ {
		lvl := version.Levels.GetLevel(i)
		e, found, err := s.getFromTables(ctx, key, epoch, lvl.TableInfos, lvl.LevelType)
		if err != nil {
			return nil, false, err
		}
		if found {
			return entryResult(e)
		}
	}
	return nil, false, nil
}

func entryResult(e Entry) ([]byte, bool, error) {
	if e.Op == OpDelete {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// getFromTables finds the newest visible entry for key among the
// given tables. For overlapping tables every candidate is consulted
// and the newest entry wins.
func (s *Storage) getFromTables(ctx context.Context, key []byte, epoch uint64, tables []hummock.SstableInfo, levelType hummock.LevelType) (Entry, bool, error) {
	var best Entry
	found := false
	for i := range tables {
		if !tables[i].KeyRange.Contains(key) {
			continue
		}
		data, err := s.fetch(ctx, tables[i].ID)
		if err != nil {
			return Entry{}, false, err
		}
		if !data.MayContain(key) {
			continue
		}
		e, ok := data.GetNewest(key, epoch)
		if !ok {
			continue
		}
		if !found || e.Epoch > best.Epoch {
			best, found = e, true
		}
		if levelType == hummock.LevelNonoverlapping {
			break
		}
	}
	return best, found, nil
}

// ScanRange returns visible key/value pairs in [left, right] ascending.
// limit 0 means unlimited. An excluded left bound is not supported.
func (s *Storage) ScanRange(ctx context.Context, left, right Bound, epoch uint64, limit int) ([]KV, error) {
	if !left.Unbounded && !left.Included {
		return nil, fmt.Errorf("%w: excluded lower bound on forward scan", ErrUnsupportedBound)
	}
	return s.scan(ctx, left, right, epoch, limit, false)
}

// ReverseScanRange returns visible pairs descending from right down to
// left. An excluded right bound is not supported.
func (s *Storage) ReverseScanRange(ctx context.Context, left, right Bound, epoch uint64, limit int) ([]KV, error) {
	if !right.Unbounded && !right.Included {
		return nil, fmt.Errorf("%w: excluded upper bound on reverse scan", ErrUnsupportedBound)
	}
	return s.scan(ctx, left, right, epoch, limit, true)
}

func (s *Storage) scan(ctx context.Context, left, right Bound, epoch uint64, limit int, reverse bool) (result []KV, err error) {
	version, err := s.meta.PinVersion(ctx, s.opts.GroupID, s.contextID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := s.meta.UnpinVersion(ctx, s.opts.GroupID, s.contextID); uerr != nil && err == nil {
			err = uerr
		}
	}()

	iters, err := s.buildIters(ctx, version, left, right, reverse)
	if err != nil {
		return nil, err
	}
	merged := newMergeIter(iters, reverse)

	var lastKey []byte
	haveLast := false
	for merged.Valid() {
		e := merged.Entry()
		if err := merged.Next(); err != nil {
			return nil, err
		}
		if !inBounds(e.Key, left, right) {
			continue
		}
		if haveLast && bytes.Equal(e.Key, lastKey) {
			continue
		}
		if e.Epoch > epoch {
			continue
		}
		// Newest visible version of a fresh key decides it for good.
		lastKey, haveLast = e.Key, true
		if e.Op == OpDelete {
			continue
		}
		result = append(result, KV{Key: e.Key, Value: e.Value})
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func inBounds(key []byte, left, right Bound) bool {
	if !left.Unbounded {
		c := bytes.Compare(key, left.Key)
		if c < 0 || (c == 0 && !left.Included) {
			return false
		}
	}
	if !right.Unbounded {
		c := bytes.Compare(key, right.Key)
		if c > 0 || (c == 0 && !right.Included) {
			return false
		}
	}
	return true
}

func boundsRange(left, right Bound) hummock.KeyRange {
	if left.Unbounded || right.Unbounded {
		return hummock.InfRange()
	}
	return hummock.NewKeyRange(left.Key, right.Key)
}

// buildIters assembles one iterator per sorted run touching the range:
// each overlapping L0 table alone, each non-overlapping sub-level and
// level as a concat run.
func (s *Storage) buildIters(ctx context.Context, version *hummock.HummockVersion, left, right Bound, reverse bool) ([]Iterator, error) {
	r := boundsRange(left, right)
	var iters []Iterator

	addRun := func(tables []hummock.SstableInfo) error {
		var hit []hummock.SstableInfo
		for i := range tables {
			if r.Overlap(tables[i].KeyRange) {
				hit = append(hit, tables[i])
			}
		}
		if len(hit) == 0 {
			return nil
		}
		it, err := newConcatIter(ctx, hit, s.fetch, reverse)
		if err != nil {
			return err
		}
		if it.Valid() {
			iters = append(iters, it)
		}
		return nil
	}

	for _, sl := range version.Levels.L0.SubLevels {
		if sl.LevelType == hummock.LevelOverlapping {
			for i := range sl.TableInfos {
				if !r.Overlap(sl.TableInfos[i].KeyRange) {
					continue
				}
				data, err := s.fetch(ctx, sl.TableInfos[i].ID)
				if err != nil {
					return nil, err
				}
				if reverse {
					iters = append(iters, newReverseTableIter(data))
				} else {
					iters = append(iters, newTableIter(data))
				}
			}
			continue
		}
		if err := addRun(sl.TableInfos); err != nil {
			return nil, err
		}
	}
	for i := 1; i <= version.Levels.MaxLevel(); i++ {
		if err := addRun(version.Levels.GetLevel(i).TableInfos); err != nil {
			return nil, err
		}
	}
	return iters, nil
}

// WriteBatch uploads the batch as sstables under the given uncommitted
// epoch and registers them with the version manager. An empty batch is
// a no-op. Duplicate keys keep the last write.
func (s *Storage) WriteBatch(ctx context.Context, epoch uint64, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	sort.SliceStable(writes, func(i, j int) bool {
		return bytes.Compare(writes[i].Key, writes[j].Key) < 0
	})
	dedup := writes[:0:0]
	for i := range writes {
		if i+1 < len(writes) && bytes.Equal(writes[i].Key, writes[i+1].Key) {
			continue
		}
		dedup = append(dedup, writes[i])
	}

	builder := NewBuilder(s.meta, s.opts.SstableCapacity, s.opts.Compression, nil)
	for _, w := range dedup {
		e := Entry{Key: w.Key, Epoch: epoch, Value: w.Value}
		if w.Delete {
			e.Op = OpDelete
			e.Value = nil
		}
		if err := builder.Add(ctx, e); err != nil {
			return err
		}
	}
	sealed, err := builder.Finish(ctx)
	if err != nil {
		return err
	}

	infos := make([]hummock.SstableInfo, 0, len(sealed))
	for _, st := range sealed {
		if err := s.obj.Put(ctx, objstore.SstablePath(s.opts.DataDir, st.Info.ID), st.Data); err != nil {
			return fmt.Errorf("upload sstable %d: %w", st.Info.ID, err)
		}
		infos = append(infos, st.Info)
	}
	if _, err := s.meta.AddTables(ctx, s.opts.GroupID, epoch, infos); err != nil {
		return err
	}
	s.log.Info("write batch uploaded",
		"group", s.opts.GroupID, "epoch", epoch, "entries", len(dedup), "sstables", len(infos))
	return nil
}
