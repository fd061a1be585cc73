// Package capture drives the microphone through PortAudio and feeds
// resampled blocks into an audio.BlockQueue.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/karstenba/stt-widget/internal/audio"
)

// ErrNoInputDevice is returned when the host exposes no capture-capable
// device at all.
var ErrNoInputDevice = errors.New("no capture devices found, is a microphone connected?")

// ErrDeviceMismatch is returned when a device hint matches nothing. Picking
// an arbitrary device instead would record from the wrong microphone, so the
// mismatch is surfaced.
var ErrDeviceMismatch = errors.New("no capture device matches hint")

// Device describes one capture-capable input.
type Device struct {
	Name       string
	NativeRate int
	IsDefault  bool

	info *portaudio.DeviceInfo
}

// Initialize sets up the PortAudio host API. Callers must pair it with
// Terminate.
func Initialize() error {
	return portaudio.Initialize()
}

func Terminate() error {
	return portaudio.Terminate()
}

// Devices lists capture-capable devices.
func Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Name:       info.Name,
			NativeRate: int(info.DefaultSampleRate),
			IsDefault:  def != nil && info == def,
			info:       info,
		})
	}
	return out, nil
}

// Resolve picks a capture device. A non-empty hint is matched
// case-insensitively as a substring of the device name (device descriptions
// are human-readable labels, not stable identifiers); a hint that matches
// nothing is an error rather than a silent fallback. Without a hint the
// default input device wins, then any capture-capable device.
func Resolve(devices []Device, hint string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, ErrNoInputDevice
	}
	if hint != "" {
		needle := strings.ToLower(hint)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("%w: %q", ErrDeviceMismatch, hint)
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return devices[0], nil
}

// Pipeline owns one capture stream. The PortAudio callback runs on a
// real-time thread: it only resamples and enqueues, and the queue never
// blocks it.
type Pipeline struct {
	targetRate int
	blockMS    int

	mu        sync.Mutex
	stream    *portaudio.Stream
	resampler *audio.Resampler
	queue     *audio.BlockQueue
	stopped   bool
}

type Config struct {
	TargetRate int
	BlockMS    int
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		targetRate: cfg.TargetRate,
		blockMS:    cfg.BlockMS,
		queue:      audio.NewBlockQueue(),
	}
}

// Blocks returns the queue of resampled blocks produced by the stream.
func (p *Pipeline) Blocks() *audio.BlockQueue {
	return p.queue
}

// Start opens a mono float32 stream on the device at its native rate and
// begins capturing.
func (p *Pipeline) Start(dev Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return errors.New("capture already started")
	}
	if p.stopped {
		return errors.New("capture pipeline already stopped")
	}
	if dev.info == nil {
		return errors.New("device was not obtained from Devices")
	}

	p.resampler = audio.NewResampler(dev.NativeRate, p.targetRate)
	frames := dev.NativeRate * p.blockMS / 1000

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev.info,
			Channels: 1,
			Latency:  dev.info.DefaultLowInputLatency,
		},
		SampleRate:      float64(dev.NativeRate),
		FramesPerBuffer: frames,
	}

	stream, err := portaudio.OpenStream(params, p.handleBlock)
	if err != nil {
		return fmt.Errorf("open capture stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start capture stream: %w", err)
	}
	p.stream = stream
	return nil
}

func (p *Pipeline) handleBlock(in []float32) {
	p.queue.Put(p.resampler.Process(in))
}

// Stop ends capture and closes the block queue. Buffers delivered before
// the stream stops are kept; nothing recorded is discarded. Stop is
// idempotent and safe before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	var err error
	if p.stream != nil {
		if serr := p.stream.Stop(); serr != nil {
			err = fmt.Errorf("stop capture stream: %w", serr)
		}
		if cerr := p.stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close capture stream: %w", cerr)
		}
		p.stream = nil
	}
	p.queue.Close()
	return err
}
