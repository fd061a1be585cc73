package client

import (
	"context"
	"errors"
	"net"

	"github.com/karstenba/stt-widget/internal/audio"
	"github.com/karstenba/stt-widget/internal/capture"
	"github.com/karstenba/stt-widget/internal/config"
)

// MicSource adapts the capture pipeline to the coordinator. The configured
// device hint wins over the hint the negotiator derived from the headset.
type MicSource struct {
	cfg      config.CaptureConfig
	pipeline *capture.Pipeline
}

func NewMicSource(cfg config.CaptureConfig) *MicSource {
	return &MicSource{
		cfg: cfg,
		pipeline: capture.NewPipeline(capture.Config{
			TargetRate: cfg.TargetRate,
			BlockMS:    cfg.BlockMS,
		}),
	}
}

func (m *MicSource) Start(hint string) error {
	negotiated := m.cfg.DeviceHint == ""
	if !negotiated {
		hint = m.cfg.DeviceHint
	}

	devices, err := capture.Devices()
	if err != nil {
		return err
	}
	dev, err := capture.Resolve(devices, hint)
	if err != nil {
		// A negotiated headset hint is advisory. The headset may register
		// under a different name, so fall back to the default input. An
		// explicit configured hint stays strict.
		if negotiated && errors.Is(err, capture.ErrDeviceMismatch) {
			dev, err = capture.Resolve(devices, "")
		}
		if err != nil {
			return err
		}
	}
	return m.pipeline.Start(dev)
}

func (m *MicSource) Blocks() *audio.BlockQueue { return m.pipeline.Blocks() }

func (m *MicSource) Stop() error { return m.pipeline.Stop() }

// UnixDialer returns the production Dial for the daemon socket.
func UnixDialer(socketPath string) func(ctx context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		var d net.Dialer
		raw, err := d.DialContext(ctx, "unix", socketPath)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return raw.(*net.UnixConn), nil
	}
}
