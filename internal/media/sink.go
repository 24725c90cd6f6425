package media

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"medivoz/avatar/internal/domain"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// WriterSink consumes a remote H264 track, depacketizes it, and writes
// Annex-B NAL units to w. It starts muted; no bytes are written until
// SetMuted(false). Dimensions become available once an SPS NALU is seen.
type WriterSink struct {
	w   io.Writer
	log *logrus.Entry

	mu     sync.Mutex
	muted  bool
	width  int
	height int
	stop   chan struct{}
}

// NewWriterSink creates a muted sink that writes Annex-B H264 to w.
func NewWriterSink(w io.Writer, log *logrus.Logger) *WriterSink {
	return &WriterSink{
		w:     w,
		log:   log.WithField("component", "sink"),
		muted: true,
	}
}

// Attach starts consuming the track in a background goroutine. Any
// previously attached track must be detached first.
func (s *WriterSink) Attach(track domain.RemoteTrack) {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.width, s.height = 0, 0
	s.mu.Unlock()

	go s.consume(track, stop)
}

// Detach stops the consuming goroutine. Safe to call when nothing is
// attached.
func (s *WriterSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.width, s.height = 0, 0
}

func (s *WriterSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Dimensions returns the stream dimensions parsed from the most recent
// SPS, or zeros when none has been seen yet.
func (s *WriterSink) Dimensions() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *WriterSink) consume(track domain.RemoteTrack, stop chan struct{}) {
	s.log.WithField("kind", track.Kind()).Info("consuming track")

	depack := NewH264Depacketizer()
	for {
		select {
		case <-stop:
			return
		default:
		}

		payload, err := track.ReadPayload()
		if err != nil {
			s.log.WithError(err).Info("track read ended")
			return
		}

		for _, nalu := range depack.Depacketize(payload) {
			if len(nalu) == 0 {
				continue
			}
			s.handleNALU(nalu, stop)
		}
	}
}

func (s *WriterSink) handleNALU(nalu []byte, stop chan struct{}) {
	if nalu[0]&0x1f == 7 {
		if w, h, err := ParseSPSDimensions(nalu); err == nil {
			s.mu.Lock()
			s.width, s.height = w, h
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	muted := s.muted || s.stop != stop
	s.mu.Unlock()
	if muted {
		return
	}

	s.w.Write(annexBStartCode)
	s.w.Write(nalu)
}
