// Package shm tracks shared-memory regions handed over by a remote process
// and rebuilds zero-copy buffers on top of them.
//
// A RegionTable owns every region announced for one node: it maps each region
// lazily, reference counts it across the buffers and I/O areas that use it,
// and closes the backing descriptor only after the last region aliasing that
// descriptor is gone. A Builder turns wire buffer descriptions into Buffers
// whose metadata and data slices point directly into those mappings.
//
// Both types are instrumented with OpenTelemetry metrics and tracing; noop
// providers are used unless a Meter or Tracer is configured.
//
// Example usage:
//
//	table := shm.NewRegionTable(shm.DefaultRegionTableConfig())
//	_ = table.AddRegion(7, fd, shm.RegionReadWrite)
//	b := shm.NewBuilder(table, shm.BuilderConfig{})
//	bufs, err := b.Build(ctx, descs)
//	// ...
//	for _, buf := range bufs {
//		buf.Release()
//	}
//
// Platform-specific helpers are in internal/shm.
package shm
