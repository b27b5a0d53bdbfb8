package vidplane

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/vidplane/v4l2"
)

// DefaultVideoDevicePattern matches the V4L2 video nodes.
const DefaultVideoDevicePattern = "/dev/video*"

// DecoderInfo describes a video node that can decode.
type DecoderInfo struct {
	Path        string
	Driver      string
	Card        string
	Bus         string
	Caps        uint32 // effective device capabilities
	MultiPlanar bool
	Formats     []uint32 // compressed input formats
}

// Supports reports whether the decoder accepts pixfmt as input.
func (i DecoderInfo) Supports(pixfmt uint32) bool {
	return slices.Contains(i.Formats, pixfmt)
}

// FormatNames returns the input formats as fourcc strings.
func (i DecoderInfo) FormatNames() []string {
	names := make([]string, len(i.Formats))
	for j, f := range i.Formats {
		names[j] = v4l2.FourCCString(f)
	}
	return names
}

// OpenFunc opens a video node by path.
type OpenFunc func(path string) (VideoDevice, error)

// ProbeDecoder checks that dev is a streaming M2M node with DMA-BUF export
// and at least one compressed input format. It does not close dev.
func ProbeDecoder(dev VideoDevice, path string) (DecoderInfo, error) {
	caps, err := dev.QueryCapability()
	if err != nil {
		return DecoderInfo{}, fmt.Errorf("%s: query capabilities: %w", path, err)
	}
	info := DecoderInfo{
		Path:   path,
		Driver: caps.DriverName(),
		Card:   caps.CardName(),
		Bus:    caps.BusName(),
		Caps:   caps.EffectiveCaps(),
	}
	if info.Caps&(v4l2.CapVideoM2M|v4l2.CapVideoM2MMPlane) == 0 {
		return info, fmt.Errorf("%s: %w", path, ErrNotM2M)
	}
	if info.Caps&v4l2.CapStreaming == 0 {
		return info, fmt.Errorf("%s: %w", path, ErrNoStreaming)
	}
	info.MultiPlanar = info.Caps&v4l2.CapVideoM2MMPlane != 0 && info.Caps&v4l2.CapVideoM2M == 0
	if err := probeExport(dev); err != nil {
		return info, fmt.Errorf("%s: %w", path, err)
	}

	inType := v4l2.BufTypeVideoOutput
	if info.MultiPlanar {
		inType = v4l2.BufTypeVideoOutputMPlane
	}
	formats, err := enumFormats(dev, inType)
	if err != nil {
		return info, fmt.Errorf("%s: input formats: %w", path, err)
	}
	for _, f := range formats {
		if f.Compressed() {
			info.Formats = append(info.Formats, f.PixelFormat)
		}
	}
	if len(info.Formats) == 0 {
		return info, fmt.Errorf("%s: %w", path, ErrNoCompressedFormat)
	}
	return info, nil
}

// VideoDevicePaths returns the nodes matching pattern in numeric order,
// so /dev/video2 sorts before /dev/video10.
func VideoDevicePaths(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(paths, func(a, b string) int {
		na, nb := nodeNumber(a), nodeNumber(b)
		if na != nb {
			return na - nb
		}
		return strings.Compare(a, b)
	})
	return paths, nil
}

func nodeNumber(path string) int {
	base := filepath.Base(path)
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(base[i:])
	if err != nil {
		return -1
	}
	return n
}

// ListDecoders probes every path concurrently and returns the decoders in
// path order. Nodes that cannot be opened or are not decoders are skipped.
func ListDecoders(ctx context.Context, paths []string, open OpenFunc, log zerolog.Logger) ([]DecoderInfo, error) {
	found := make([]*DecoderInfo, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dev, err := open(path)
			if err != nil {
				log.Debug().Err(err).Str("device", path).Msg("open failed")
				return nil
			}
			defer dev.Close()
			info, err := ProbeDecoder(dev, path)
			if err != nil {
				if IsDecoderRejection(err) {
					log.Debug().Err(err).Str("device", path).Msg("not a decoder")
				} else {
					log.Warn().Err(err).Str("device", path).Msg("probe failed")
				}
				return nil
			}
			found[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var decoders []DecoderInfo
	for _, info := range found {
		if info != nil {
			decoders = append(decoders, *info)
		}
	}
	return decoders, nil
}

// DiscoverDecoder returns the first node matching pattern that decodes
// pixfmt. A zero pixfmt accepts any compressed format.
func DiscoverDecoder(ctx context.Context, pattern string, pixfmt uint32, open OpenFunc, log zerolog.Logger) (DecoderInfo, error) {
	if pattern == "" {
		pattern = DefaultVideoDevicePattern
	}
	paths, err := VideoDevicePaths(pattern)
	if err != nil {
		return DecoderInfo{}, err
	}
	decoders, err := ListDecoders(ctx, paths, open, log)
	if err != nil {
		return DecoderInfo{}, err
	}
	for _, d := range decoders {
		if pixfmt == 0 || d.Supports(pixfmt) {
			log.Info().Str("device", d.Path).Str("driver", d.Driver).
				Strs("formats", d.FormatNames()).Msg("found video decoder")
			return d, nil
		}
	}
	if pixfmt != 0 {
		return DecoderInfo{}, fmt.Errorf("%w for %s", ErrNoDecoder, v4l2.FourCCString(pixfmt))
	}
	return DecoderInfo{}, ErrNoDecoder
}

// IsDecoderRejection reports whether err means a node is not a usable
// decoder, as opposed to an I/O failure.
func IsDecoderRejection(err error) bool {
	return errors.Is(err, ErrNotM2M) || errors.Is(err, ErrNoStreaming) ||
		errors.Is(err, ErrNoExport) || errors.Is(err, ErrNoCompressedFormat)
}
