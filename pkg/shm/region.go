package shm

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	internalshm "github.com/srediag/remote-node/internal/shm"
)

const instrumentationName = "github.com/srediag/remote-node/pkg/shm"

var (
	// ErrDuplicateRegion is returned when a region id is added twice.
	ErrDuplicateRegion = fmt.Errorf("%w: duplicate region id", api.ErrInvalidArgument)
	// ErrUnknownRegion is returned for ids that are not in the table.
	ErrUnknownRegion = fmt.Errorf("%w: unknown region id", api.ErrNotFound)
	// ErrWindowOutOfRange is returned when a window falls outside the region's mapping.
	ErrWindowOutOfRange = fmt.Errorf("%w: window outside mapped region", api.ErrInvalidArgument)
	// ErrMapFailed wraps a failed mmap.
	ErrMapFailed = fmt.Errorf("%w: map region", api.ErrResourceExhausted)
)

// RegionFlags describe how a region may be accessed.
type RegionFlags uint32

const (
	RegionReadable RegionFlags = 1 << iota
	RegionWritable

	RegionReadWrite = RegionReadable | RegionWritable
)

// Writable reports whether mappings of the region are writable. Zero flags
// mean read-write.
func (f RegionFlags) Writable() bool {
	return f == 0 || f&RegionWritable != 0
}

// MappedRegion is the single mapping backing a Region.
type MappedRegion struct {
	mem    []byte
	offset int64
	// page-aligned mlocked spans of mem
	locked []span
}

type span struct{ start, end int }

// Offset is the page-aligned offset in the backing object of the first mapped byte.
func (m *MappedRegion) Offset() int64 { return m.offset }

// Size is the mapping length.
func (m *MappedRegion) Size() int { return len(m.mem) }

// Locked reports whether any part of the mapping is pinned in memory.
func (m *MappedRegion) Locked() bool { return len(m.locked) > 0 }

// LockedBytes is the number of pinned bytes of the mapping.
func (m *MappedRegion) LockedBytes() uint64 {
	var n uint64
	for _, sp := range m.locked {
		n += uint64(sp.end - sp.start)
	}
	return n
}

func (m *MappedRegion) covers(start, end int) bool {
	for _, sp := range m.locked {
		if sp.start <= start && end <= sp.end {
			return true
		}
	}
	return false
}

func (m *MappedRegion) window(offset int64, size int) ([]byte, bool) {
	start := offset - m.offset
	if start < 0 || size < 0 || start+int64(size) > int64(len(m.mem)) {
		return nil, false
	}
	return m.mem[start : start+int64(size) : start+int64(size)], true
}

// Region is one shared-memory segment announced by the remote side.
type Region struct {
	ID    uint32
	Flags RegionFlags

	fd      int
	refs    uint32
	mapping *MappedRegion
}

// Fd returns the descriptor backing the region.
func (r *Region) Fd() int { return r.fd }

// Refs returns the number of live references.
func (r *Region) Refs() uint32 { return r.refs }

// Mapping returns the region's mapping, or nil when it was never mapped.
func (r *Region) Mapping() *MappedRegion { return r.mapping }

// RegionTableConfig configures a RegionTable.
type RegionTableConfig struct {
	// Mapper performs the platform calls. Defaults to internalshm.System().
	Mapper internalshm.Mapper
	// PageSize used to round mapping windows. Defaults to the host page size.
	PageSize int
	// MemoryLock pins new mappings with mlock.
	MemoryLock bool
	// MemlockLimit caps the bytes the table will lock. Zero means the
	// process RLIMIT_MEMLOCK soft limit.
	MemlockLimit uint64

	Logger *logging.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultRegionTableConfig returns the host defaults.
func DefaultRegionTableConfig() RegionTableConfig {
	return RegionTableConfig{
		Mapper:     internalshm.System(),
		PageSize:   internalshm.PageSize(),
		MemoryLock: true,
	}
}

// RegionTable tracks every region of one node. It is not safe for concurrent
// use; callers serialize access per node.
type RegionTable struct {
	mapper   internalshm.Mapper
	pageSize int
	lock     bool
	limit    uint64
	logger   *logging.Logger
	tracer   trace.Tracer

	regions map[uint32]*Region
	mapped  uint64
	locked  uint64

	mmaps       metric.Int64Counter
	mappedBytes metric.Int64UpDownCounter
	lockSkipped metric.Int64Counter
}

// NewRegionTable creates an empty table.
func NewRegionTable(cfg RegionTableConfig) *RegionTable {
	if cfg.Mapper == nil {
		cfg.Mapper = internalshm.System()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = internalshm.PageSize()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	limit := cfg.MemlockLimit
	if cfg.MemoryLock && limit == 0 {
		if l, ok := internalshm.MemlockLimit(); ok {
			limit = l
		}
	}

	t := &RegionTable{
		mapper:   cfg.Mapper,
		pageSize: cfg.PageSize,
		lock:     cfg.MemoryLock,
		limit:    limit,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		regions:  make(map[uint32]*Region),
	}
	var err error
	if t.mmaps, err = cfg.Meter.Int64Counter("shm.region.mmaps",
		metric.WithDescription("Region mappings created.")); err != nil {
		t.logger.Warnf("region table: counter: %v", err)
	}
	if t.mappedBytes, err = cfg.Meter.Int64UpDownCounter("shm.region.mapped_bytes",
		metric.WithUnit("By"), metric.WithDescription("Bytes currently mapped.")); err != nil {
		t.logger.Warnf("region table: counter: %v", err)
	}
	if t.lockSkipped, err = cfg.Meter.Int64Counter("shm.region.mlock_skipped",
		metric.WithDescription("Mappings left unlocked.")); err != nil {
		t.logger.Warnf("region table: counter: %v", err)
	}
	return t
}

// AddRegion records a region. On success the table owns fd; on error the
// caller keeps it.
func (t *RegionTable) AddRegion(id uint32, fd int, flags RegionFlags) error {
	if _, ok := t.regions[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateRegion, id)
	}
	if fd < 0 {
		return fmt.Errorf("%w: region %d has invalid fd %d", api.ErrInvalidArgument, id, fd)
	}
	t.regions[id] = &Region{ID: id, Flags: flags, fd: fd}
	t.logger.Debugf("add mem %d, fd %d, flags %d", id, fd, flags)
	return nil
}

// Lookup returns the region with the given id.
func (t *RegionTable) Lookup(id uint32) (*Region, bool) {
	r, ok := t.regions[id]
	return r, ok
}

// Acquire takes a reference on a region.
func (t *RegionTable) Acquire(id uint32) (*Region, error) {
	r, ok := t.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRegion, id)
	}
	r.refs++
	return r, nil
}

// Release drops a reference. When the last one goes the region is removed,
// its mapping released and its fd closed unless another region aliases it.
func (t *RegionTable) Release(id uint32) error {
	r, ok := t.regions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRegion, id)
	}
	if r.refs > 0 {
		r.refs--
	}
	if r.refs == 0 {
		t.clear(r)
	}
	return nil
}

// ReleaseRegion drops a reference held through r, ignoring regions that were
// already cleared or replaced.
func (t *RegionTable) ReleaseRegion(r *Region) {
	if cur, ok := t.regions[r.ID]; !ok || cur != r {
		return
	}
	_ = t.Release(r.ID)
}

// Map returns size bytes of region id starting at offset. The region is
// mapped on first use; later windows are slices of the same mapping.
func (t *RegionTable) Map(id uint32, offset uint32, size uint32) ([]byte, error) {
	r, ok := t.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRegion, id)
	}
	if r.mapping == nil {
		m, err := t.mapRegion(r, int64(offset), int(size))
		if err != nil {
			return nil, err
		}
		r.mapping = m
	}
	w, ok := r.mapping.window(int64(offset), int(size))
	if !ok {
		return nil, fmt.Errorf("%w: region %d window (%d,%d) mapping (%d,%d)",
			ErrWindowOutOfRange, id, offset, size, r.mapping.offset, len(r.mapping.mem))
	}
	if t.lock {
		t.lockWindow(r, int64(offset), int(size))
	}
	return w, nil
}

func (t *RegionTable) mapRegion(r *Region, offset int64, size int) (*MappedRegion, error) {
	rng := internalshm.NewMapRange(offset, size, t.pageSize)
	// Map the whole object when its size is known so every later window of
	// this region resolves against the same mapping.
	if objSize, err := t.mapper.Size(r.fd); err == nil {
		if objSize < offset+int64(size) {
			return nil, fmt.Errorf("%w: region %d window (%d,%d) exceeds object size %d",
				ErrWindowOutOfRange, r.ID, offset, size, objSize)
		}
		rng = internalshm.MapRange{Offset: 0, Start: int(offset), Size: int(objSize)}
	}

	mem, err := t.mapper.Map(r.fd, rng.Offset, rng.Size, r.Flags.Writable())
	if err != nil {
		t.logger.Errorf("failed to mmap memory %d fd %d (%d,%d): %v", r.ID, r.fd, rng.Offset, rng.Size, err)
		return nil, fmt.Errorf("%w: region %d: %v", ErrMapFailed, r.ID, err)
	}
	m := &MappedRegion{mem: mem, offset: rng.Offset}
	t.mapped += uint64(len(mem))
	t.mmaps.Add(context.Background(), 1)
	t.mappedBytes.Add(context.Background(), int64(len(mem)))
	return m, nil
}

func (t *RegionTable) fits(n uint64) bool {
	return t.limit == 0 || t.locked+n <= t.limit
}

// lockWindow pins the whole mapping when it fits the memlock limit and
// otherwise only the pages of the requested window.
func (t *RegionTable) lockWindow(r *Region, offset int64, size int) {
	m := r.mapping
	rel := int(offset - m.offset)
	start := rel / t.pageSize * t.pageSize
	end := min(len(m.mem), (rel+size+t.pageSize-1)/t.pageSize*t.pageSize)
	if end <= start || m.covers(start, end) {
		return
	}
	if len(m.locked) == 0 && t.fits(uint64(len(m.mem))) {
		start, end = 0, len(m.mem)
	}
	for _, sp := range m.locked {
		if sp.start <= start && start < sp.end {
			start = sp.end
		}
		if sp.start < end && end <= sp.end {
			end = sp.start
		}
	}
	if end <= start {
		return
	}
	n := uint64(end - start)
	if !t.fits(n) {
		t.logger.Warnf("mem %d: mlock of %d bytes would exceed limit %d, skipping", r.ID, n, t.limit)
		t.lockSkipped.Add(context.Background(), 1)
		return
	}
	if err := t.mapper.Lock(m.mem[start:end]); err != nil {
		t.logger.Warnf("failed to mlock memory %d (%d,%d): %v", r.ID, m.offset+int64(start), n, err)
		t.lockSkipped.Add(context.Background(), 1)
		return
	}
	m.locked = append(m.locked, span{start, end})
	t.locked += n
}

func (t *RegionTable) unmap(r *Region) {
	m := r.mapping
	if m == nil {
		return
	}
	r.mapping = nil
	n := uint64(len(m.mem))
	for _, sp := range m.locked {
		if err := t.mapper.Unlock(m.mem[sp.start:sp.end]); err != nil {
			t.logger.Warnf("failed to munlock memory %d: %v", r.ID, err)
		}
	}
	t.locked -= m.LockedBytes()
	m.locked = nil
	if err := t.mapper.Unmap(m.mem); err != nil {
		t.logger.Warnf("failed to unmap memory %d: %v", r.ID, err)
	}
	t.mapped -= n
	t.mappedBytes.Add(context.Background(), -int64(n))
}

func (t *RegionTable) clear(r *Region) {
	delete(t.regions, r.ID)
	t.unmap(r)
	fd := r.fd
	r.fd = -1
	r.refs = 0
	if fd < 0 || t.aliased(fd) {
		return
	}
	if err := t.mapper.Close(fd); err != nil {
		t.logger.Warnf("close mem %d fd %d: %v", r.ID, fd, err)
	}
}

func (t *RegionTable) aliased(fd int) bool {
	for _, o := range t.regions {
		if o.fd == fd {
			return true
		}
	}
	return false
}

// Aliased reports whether a live region is backed by fd.
func (t *RegionTable) Aliased(fd int) bool {
	return t.aliased(fd)
}

// Clear drops every region regardless of its reference count. Each distinct
// fd is closed exactly once.
func (t *RegionTable) Clear() {
	ids := t.IDs()
	for _, id := range ids {
		if r, ok := t.regions[id]; ok {
			t.clear(r)
		}
	}
}

// IDs returns the ids of every region in ascending order.
func (t *RegionTable) IDs() []uint32 {
	ids := make([]uint32, 0, len(t.regions))
	for id := range t.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of regions.
func (t *RegionTable) Len() int { return len(t.regions) }

// MappedBytes returns the bytes currently mapped.
func (t *RegionTable) MappedBytes() uint64 { return t.mapped }

// LockedBytes returns the bytes currently pinned.
func (t *RegionTable) LockedBytes() uint64 { return t.locked }
