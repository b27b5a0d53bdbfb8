//go:build linux

package vidplane

import (
	"github.com/thesyncim/vidplane/v4l2"
)

var _ VideoDevice = (*v4l2.Device)(nil)

// OpenVideoDevice opens a video node read-write and non-blocking.
func OpenVideoDevice(path string) (VideoDevice, error) {
	dev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// OpenDecoderPath opens a video node and negotiates it with OpenDecoder.
func OpenDecoderPath(path string, cfg DecoderConfig) (*Decoder, error) {
	dev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	return OpenDecoder(dev, cfg)
}
