package webrtc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"carebridge/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Source produces encoded media samples for one local track.
type Source interface {
	Codec() webrtc.RTPCodecCapability
	// Next blocks only on I/O; pacing is done by the caller using the
	// sample duration.
	Next() (media.Sample, error)
	Close() error
}

// CaptureDevices opens the local microphone and camera.
type CaptureDevices interface {
	Microphone() (Source, error)
	Camera() (Source, error)
}

// FileDevices plays an Ogg/Opus file as the microphone and an IVF file as
// the camera. An empty path means the device is absent.
type FileDevices struct {
	AudioPath string
	VideoPath string
	Loop      bool
}

func (d FileDevices) Microphone() (Source, error) {
	f, err := openDevice(domain.TrackAudio, d.AudioPath)
	if err != nil {
		return nil, err
	}
	src, err := newOggSource(f, d.Loop)
	if err != nil {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackAudio, Err: err}
	}
	return src, nil
}

func (d FileDevices) Camera() (Source, error) {
	f, err := openDevice(domain.TrackVideo, d.VideoPath)
	if err != nil {
		return nil, err
	}
	src, err := newIVFSource(f, d.Loop)
	if err != nil {
		f.Close()
		return nil, &domain.DeviceError{Kind: domain.TrackVideo, Err: err}
	}
	return src, nil
}

func openDevice(kind domain.TrackKind, path string) (*os.File, error) {
	if path == "" {
		return nil, &domain.DeviceError{Kind: kind, Err: domain.ErrNoDevice}
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, &domain.DeviceError{Kind: kind, Err: fmt.Errorf("%w: %s", domain.ErrNoDevice, path)}
	case errors.Is(err, fs.ErrPermission):
		return nil, &domain.DeviceError{Kind: kind, Err: fmt.Errorf("%w: %s", domain.ErrPermissionDenied, path)}
	default:
		return nil, &domain.DeviceError{Kind: kind, Err: err}
	}
}

type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	codec    webrtc.RTPCodecCapability
	duration time.Duration
	loop     bool
}

func newIVFSource(f *os.File, loop bool) (*ivfSource, error) {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("read ivf header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	duration := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		duration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	return &ivfSource{
		file:     f,
		reader:   reader,
		codec:    webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
		duration: duration,
		loop:     loop,
	}, nil
}

func (s *ivfSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *ivfSource) Next() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.loop {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return media.Sample{}, err
		}
		if s.reader, _, err = ivfreader.NewWith(s.file); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }

const opusSampleRate = 48000

type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
	loop        bool
}

func newOggSource(f *os.File, loop bool) (*oggSource, error) {
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	return &oggSource{file: f, reader: reader, loop: loop}, nil
}

func (s *oggSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2}
}

func (s *oggSource) Next() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) && s.loop {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return media.Sample{}, err
		}
		if s.reader, _, err = oggreader.NewWith(s.file); err != nil {
			return media.Sample{}, err
		}
		s.lastGranule = 0
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}

	samples := header.GranulePosition - s.lastGranule
	if header.GranulePosition < s.lastGranule {
		samples = 0
	}
	s.lastGranule = header.GranulePosition
	duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error { return s.file.Close() }
