package app

import (
	"context"
	"time"

	"github.com/tartuvoice/helisild/internal/monitor"
	"github.com/tartuvoice/helisild/internal/observe"
	"github.com/tartuvoice/helisild/pkg/sidecar"
	"github.com/tartuvoice/helisild/pkg/voice"
)

// frameTelemetry forwards the supervisor's frame counters to OTel. The
// supervisor calls these from its connection goroutines, so no request
// context is available; counters are recorded against the background
// context.
type frameTelemetry struct {
	metrics *observe.Metrics
}

var _ sidecar.Telemetry = frameTelemetry{}

func (t frameTelemetry) FrameEncoded(msgType string) {
	t.metrics.RecordFrameEncoded(context.Background(), msgType)
}

func (t frameTelemetry) FrameDecoded(msgType string) {
	t.metrics.RecordFrameDecoded(context.Background(), msgType)
}

func (t frameTelemetry) UnknownMessage(msgType string) {
	t.metrics.RecordUnknownMessage(context.Background(), msgType)
}

func (t frameTelemetry) DecodeError() {
	t.metrics.RecordDecodeError(context.Background())
}

// sessionStats fans session counters out to OTel, the /statusz aggregates
// and the live event feed.
type sessionStats struct {
	metrics *observe.Metrics
	stats   *monitor.BridgeStats
	hub     *monitor.Hub
}

var _ voice.Stats = (*sessionStats)(nil)

func (st *sessionStats) SpeechStarted() {}

func (st *sessionStats) SpeechFinished(d time.Duration, err error) {
	st.metrics.RecordSpeech(context.Background(), d, err)
	st.stats.RecordSpeech(d)
	if err != nil {
		st.stats.IncrErrors()
	}
}

func (st *sessionStats) QueueDepth(delta int) {
	st.metrics.RecordQueueDepth(context.Background(), delta)
}

func (st *sessionStats) BargeIn() {
	st.metrics.RecordBargeIn(context.Background())
	st.stats.IncrBargeIns()
	st.hub.Publish(monitor.Event{Type: monitor.EventBargeIn})
}

func (st *sessionStats) FinalTranscript() {
	st.metrics.RecordFinalTranscript(context.Background())
	st.stats.IncrUtterances()
}
