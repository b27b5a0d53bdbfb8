// Package vidplane drives hardware video decode into display planes on
// embedded Linux: V4L2 memory-to-memory decoders feed DMA-BUF frames to an
// EGL import bridge while a DRM/KMS display scans them out.
//
// Key pieces include:
//   - PlanePool and DiscoverPlanes: classify the planes of the active CRTC
//     and lend them to callers (video, graphics, primary)
//   - Display, Window and Display.Present: atomic or legacy scanout of a
//     GBM surface, with page-flip pacing and fb lifetime tracking
//   - Decoder: format negotiation and input/output buffer pools on a V4L2
//     M2M node, output buffers exported as DMA-BUF
//   - DecodeSession: feeder, drain, watchdog and consumer goroutines around
//     one decoder, handing the newest frame to a Surface
//   - Stream and LoadStream: Annex-B, AVCC, IVF and rtpdump inputs, plus an
//     RTMP ingest that records a live publish
//   - Runner: side-by-side decode scenarios with PASS/FAIL reports
//
// # Architecture
//
//	Display: DiscoverPlanes -> PlanePool -> Window -> Display.Present
//	Decode:  Stream -> Decoder (input queue) -> drain -> frame mailbox -> consumer -> FrameImporter -> Surface
//	Driver:  Runner -> Renderer(Surfaces) -> Present
//
// # Native Libraries
//
// libgbm and libEGL are loaded at runtime through purego, so the package
// builds with CGO_ENABLED=0. Set VIDPLANE_GBM_LIB or VIDPLANE_EGL_LIB to
// load a specific library file.
//
// The kernel interfaces live in the drm and v4l2 subpackages. Everything
// that opens a device node is Linux only; the rest builds everywhere and is
// tested against fakes.
package vidplane
