// Package livekit joins LiveKit rooms as an agent participant.
//
// The agent subscribes to every remote microphone track, decodes it to PCM
// and publishes a single Opus track for its own voice.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/turnlog/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// DefaultTrackName names the agent's published audio track.
const DefaultTrackName = "agent-voice"

// Platform connects to a LiveKit server with API key credentials.
type Platform struct {
	url       string
	apiKey    string
	apiSecret string
	identity  string
	name      string
	trackName string
}

// Option configures a [Platform].
type Option func(*Platform)

// WithName sets the agent's display name. Defaults to the identity.
func WithName(name string) Option {
	return func(p *Platform) { p.name = name }
}

// WithTrackName overrides [DefaultTrackName].
func WithTrackName(name string) Option {
	return func(p *Platform) { p.trackName = name }
}

// New returns a Platform for the server at url.
func New(url, apiKey, apiSecret, identity string, opts ...Option) (*Platform, error) {
	var errs []error
	if url == "" {
		errs = append(errs, errors.New("livekit: url must not be empty"))
	}
	if apiKey == "" || apiSecret == "" {
		errs = append(errs, errors.New("livekit: api key and secret must not be empty"))
	}
	if identity == "" {
		errs = append(errs, errors.New("livekit: identity must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	p := &Platform{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		identity:  identity,
		name:      identity,
		trackName: DefaultTrackName,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect joins room and publishes the agent's audio track. ctx bounds the
// join only; the returned connection lives until Disconnect.
func (p *Platform) Connect(ctx context.Context, room string) (audio.Connection, error) {
	if room == "" {
		return nil, errors.New("livekit: room must not be empty")
	}
	c := newConnection()

	type result struct {
		room *lksdk.Room
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		r, err := lksdk.ConnectToRoom(p.url, lksdk.ConnectInfo{
			APIKey:              p.apiKey,
			APISecret:           p.apiSecret,
			RoomName:            room,
			ParticipantIdentity: p.identity,
			ParticipantName:     p.name,
		}, c.callbacks(), lksdk.WithAutoSubscribe(false))
		joined <- result{room: r, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		go func() {
			if late := <-joined; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return nil, fmt.Errorf("livekit: join room %q: %w", room, ctx.Err())
	case r = <-joined:
	}
	if r.err != nil {
		return nil, fmt.Errorf("livekit: join room %q: %w", room, r.err)
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  opusChannels,
	})
	if err != nil {
		r.room.Disconnect()
		return nil, fmt.Errorf("livekit: create local track: %w", err)
	}
	if _, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   p.trackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		r.room.Disconnect()
		return nil, fmt.Errorf("livekit: publish track: %w", err)
	}

	c.start(r.room.Disconnect, func(s media.Sample) error {
		return track.WriteSample(s, nil)
	})
	slog.Info("livekit: joined room", "room", room, "identity", p.identity)
	return c, nil
}
