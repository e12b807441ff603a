package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/audio/pcm"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
)

// OtoOutput drives the default speaker from a Mixer. The player runs for the
// life of the output and pulls silence when nothing is scheduled.
type OtoOutput struct {
	*Mixer

	player    *oto.Player
	closeOnce sync.Once
}

// NewOtoOutput opens the speaker. bufferSize trades latency for glitch
// resistance; 100ms is a good default at 24kHz.
func NewOtoOutput(format pcm.Format, bufferSize time.Duration) (*OtoOutput, error) {
	if format.SampleRate <= 0 {
		format = pcm.Format{SampleRate: DefaultSampleRate, Channels: 1}
	}
	if bufferSize <= 0 {
		bufferSize = 100 * time.Millisecond
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, core.NewPermissionError("speaker", fmt.Errorf("init speaker: %w", err))
	}
	<-ready

	mixer := NewMixer(format)
	player := ctx.NewPlayer(mixer)
	player.Play()
	return &OtoOutput{Mixer: mixer, player: player}, nil
}

func (o *OtoOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.player.Pause()
		err = o.player.Close()
	})
	return err
}
