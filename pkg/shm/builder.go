package shm

import (
	"context"
	"fmt"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
)

var (
	// ErrUnknownDataType is returned for data planes with an unsupported backing.
	ErrUnknownDataType = fmt.Errorf("%w: unknown buffer data type", api.ErrInvalidArgument)
	// ErrBufferIDMismatch is returned in strict mode when declared ids are not 0..n-1.
	ErrBufferIDMismatch = fmt.Errorf("%w: unexpected buffer id", api.ErrInvalidArgument)
	// ErrLayout is returned when metas, chunks or data do not fit the buffer window.
	ErrLayout = fmt.Errorf("%w: buffer layout exceeds window", api.ErrInvalidArgument)
)

// DataType is the backing of one data plane.
type DataType uint32

const (
	DataInvalid DataType = iota
	// DataMemPtr planes live inside the buffer's own window.
	DataMemPtr
	// DataMemFd planes are a separate region, passed on as an fd.
	DataMemFd
	// DataDmaBuf planes are a dma-buf region, passed on as an fd.
	DataDmaBuf
)

func (t DataType) String() string {
	switch t {
	case DataMemPtr:
		return "MemPtr"
	case DataMemFd:
		return "MemFd"
	case DataDmaBuf:
		return "DmaBuf"
	}
	return fmt.Sprintf("DataType(%d)", uint32(t))
}

// MetaDesc declares one metadata block.
type MetaDesc struct {
	Type uint32
	Size uint32
}

// DataDesc declares one data plane. For DataMemPtr, Data is a byte offset in
// the buffer window; for DataMemFd and DataDmaBuf it is a region id.
type DataDesc struct {
	Type      DataType
	Flags     uint32
	MapOffset uint32
	MaxSize   uint32
	Data      uint32
}

// WireBuffer is a buffer as declared by the remote side.
type WireBuffer struct {
	ID    uint32
	Metas []MetaDesc
	Datas []DataDesc
}

// BufferDesc places a WireBuffer inside a region window.
type BufferDesc struct {
	MemID  uint32
	Offset uint32
	Size   uint32
	Buffer WireBuffer
}

// ChunkSize is the size of a Chunk in shared memory.
const ChunkSize = 16

// Chunk describes the valid bytes of a data plane. It lives in shared memory.
type Chunk struct {
	Offset uint32
	Size   uint32
	Stride int32
	Flags  int32
}

// Meta is a metadata block inside the buffer window.
type Meta struct {
	Type uint32
	Data []byte
}

// Data is a resolved data plane. Fd is -1 for DataMemPtr planes and Data is
// nil for fd-backed planes.
type Data struct {
	Type      DataType
	Flags     uint32
	Fd        int
	MapOffset uint32
	MaxSize   uint32
	Data      []byte
	Chunk     *Chunk
}

// Buffer is an imported buffer. It holds a reference on every region it uses
// until Release.
type Buffer struct {
	ID    uint32
	Metas []Meta
	Datas []Data

	window  []byte
	table   *RegionTable
	regions []*Region
}

// Window returns the buffer's mapped window.
func (b *Buffer) Window() []byte { return b.window }

// RegionIDs returns the ids of the regions the buffer holds.
func (b *Buffer) RegionIDs() []uint32 {
	ids := make([]uint32, len(b.regions))
	for i, r := range b.regions {
		ids[i] = r.ID
	}
	return ids
}

// Release drops every region reference. It is safe to call more than once.
func (b *Buffer) Release() {
	for _, r := range b.regions {
		b.table.ReleaseRegion(r)
	}
	b.regions = nil
	b.Metas = nil
	b.Datas = nil
	b.window = nil
}

// ReleaseBuffers releases every buffer in bufs.
func ReleaseBuffers(bufs []*Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// Strict turns a declared id that differs from its position into an error.
	Strict bool

	Logger *logging.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Builder rebuilds buffers from wire descriptions against a RegionTable.
type Builder struct {
	table  *RegionTable
	strict bool
	logger *logging.Logger
	tracer trace.Tracer

	built    metric.Int64Counter
	failures metric.Int64Counter
}

// NewBuilder creates a Builder over table.
func NewBuilder(table *RegionTable, cfg BuilderConfig) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	b := &Builder{
		table:  table,
		strict: cfg.Strict,
		logger: cfg.Logger,
		tracer: cfg.Tracer,
	}
	var err error
	if b.built, err = cfg.Meter.Int64Counter("shm.buffers.imported",
		metric.WithDescription("Buffers imported.")); err != nil {
		b.logger.Warnf("builder: counter: %v", err)
	}
	if b.failures, err = cfg.Meter.Int64Counter("shm.buffers.import_failures",
		metric.WithDescription("Buffer sets rejected.")); err != nil {
		b.logger.Warnf("builder: counter: %v", err)
	}
	return b
}

// Build imports a whole buffer set. Either every buffer is returned or none:
// on error each reference taken so far is dropped again.
func (b *Builder) Build(ctx context.Context, descs []BufferDesc) ([]*Buffer, error) {
	_, span := b.tracer.Start(ctx, "shm.Builder.Build",
		trace.WithAttributes(attribute.Int("buffers", len(descs))))
	defer span.End()

	bufs := make([]*Buffer, 0, len(descs))
	for i := range descs {
		buf, err := b.build(uint32(i), &descs[i])
		if err != nil {
			ReleaseBuffers(bufs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.failures.Add(ctx, 1)
			return nil, err
		}
		bufs = append(bufs, buf)
	}
	b.built.Add(ctx, int64(len(bufs)))
	return bufs, nil
}

func (b *Builder) build(id uint32, d *BufferDesc) (*Buffer, error) {
	wb := &d.Buffer
	if wb.ID != id {
		if b.strict {
			return nil, fmt.Errorf("%w: %d, expected %d", ErrBufferIDMismatch, wb.ID, id)
		}
		b.logger.Warnf("unexpected id %d found, expected %d", wb.ID, id)
	}

	buf := &Buffer{ID: id, table: b.table}
	done := false
	defer func() {
		if !done {
			buf.Release()
		}
	}()

	mem, err := b.table.Acquire(d.MemID)
	if err != nil {
		return nil, err
	}
	buf.regions = append(buf.regions, mem)

	window, err := b.table.Map(d.MemID, d.Offset, d.Size)
	if err != nil {
		return nil, err
	}
	buf.window = window

	var off uint64
	buf.Metas = make([]Meta, len(wb.Metas))
	for j, m := range wb.Metas {
		end := off + uint64(m.Size)
		if end > uint64(len(window)) {
			return nil, fmt.Errorf("%w: buffer %d meta %d", ErrLayout, id, j)
		}
		buf.Metas[j] = Meta{Type: m.Type, Data: window[off:end:end]}
		off = end
	}
	if off+uint64(len(wb.Datas))*ChunkSize > uint64(len(window)) {
		return nil, fmt.Errorf("%w: buffer %d chunks", ErrLayout, id)
	}

	buf.Datas = make([]Data, len(wb.Datas))
	for j, dd := range wb.Datas {
		out := &buf.Datas[j]
		*out = Data{
			Type:      dd.Type,
			Flags:     dd.Flags,
			Fd:        -1,
			MapOffset: dd.MapOffset,
			MaxSize:   dd.MaxSize,
			Chunk:     (*Chunk)(unsafe.Pointer(&window[off+uint64(j)*ChunkSize])),
		}
		switch dd.Type {
		case DataMemFd, DataDmaBuf:
			r, err := b.table.Acquire(dd.Data)
			if err != nil {
				b.logger.Errorf("unknown buffer mem %d", dd.Data)
				return nil, err
			}
			buf.regions = append(buf.regions, r)
			out.Fd = r.Fd()
			b.logger.Debugf(" data %d %d -> fd %d", j, r.ID, r.Fd())
		case DataMemPtr:
			end := uint64(dd.Data) + uint64(dd.MaxSize)
			if end > uint64(len(window)) {
				return nil, fmt.Errorf("%w: buffer %d data %d (%d,%d)", ErrLayout, id, j, dd.Data, dd.MaxSize)
			}
			out.Data = window[dd.Data:end:end]
			b.logger.Debugf(" data %d %d -> mem offset %d", j, id, dd.Data)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownDataType, dd.Type)
		}
	}
	b.logger.Debugf("add buffer %d %d %d %d", d.MemID, id, d.Offset, d.Size)
	done = true
	return buf, nil
}
