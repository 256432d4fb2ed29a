package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Artifact describes one finished recording: a local RTP track carrying the
// forwarded audio plus timing stats.
type Artifact struct {
	Track     *webrtc.TrackLocalStaticRTP
	StartedAt time.Time
	Duration  time.Duration
	Packets   int64
}

// Recorder forwards the audio of every observed remote track onto a single
// local RTP track while recording is on. Observe registers sources as they
// arrive; Start and Stop gate the forwarding.
type Recorder struct {
	mu        sync.Mutex
	recording bool
	startedAt time.Time
	dest      *webrtc.TrackLocalStaticRTP
	sources   []*webrtc.TrackRemote
	packets   atomic.Int64
	epoch     int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Observe registers a remote audio track. If a recording is running, the
// track joins it immediately.
func (r *Recorder) Observe(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.sources = append(r.sources, track)
	running := r.recording
	dest, epoch := r.dest, r.epoch
	r.mu.Unlock()
	if running {
		go r.pump(track, dest, epoch)
	}
}

// Start begins forwarding all known sources. Starting while already
// recording is a no-op.
func (r *Recorder) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	dest, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"recording", "recorder")
	if err != nil {
		return err
	}
	r.recording = true
	r.startedAt = time.Now().UTC()
	r.dest = dest
	r.packets.Store(0)
	r.epoch++
	for _, src := range r.sources {
		go r.pump(src, dest, r.epoch)
	}
	log.Info().Str("module", "mesh").Int("sources", len(r.sources)).Msg("recording started")
	return nil
}

// Stop ends the recording and returns its artifact, or nil when no recording
// was running.
func (r *Recorder) Stop() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil
	}
	r.recording = false
	art := &Artifact{
		Track:     r.dest,
		StartedAt: r.startedAt,
		Duration:  time.Since(r.startedAt),
		Packets:   r.packets.Load(),
	}
	r.dest = nil
	log.Info().Str("module", "mesh").Dur("duration", art.Duration).Int64("packets", art.Packets).Msg("recording stopped")
	return art
}

// pump forwards RTP packets from one source until the source ends or the
// recording epoch moves on.
func (r *Recorder) pump(src *webrtc.TrackRemote, dest *webrtc.TrackLocalStaticRTP, epoch int) {
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = src.ReadRTP()
		if err != nil {
			return
		}
		r.mu.Lock()
		live := r.recording && r.epoch == epoch
		r.mu.Unlock()
		if !live {
			return
		}
		if err := dest.WriteRTP(pkt); err != nil {
			return
		}
		r.packets.Add(1)
	}
}
