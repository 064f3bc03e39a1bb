// Package activity turns per-frame VAD results into voice activity spans.
//
// A [Detector] classifies every frame as speech, silence or uncertain from
// its RMS energy and the VAD engine's speech probability. A span opens once
// enough speech has accumulated inside a short rolling window and closes only
// after silence has persisted for the hangover period, so brief pauses inside
// a sentence never split it. Uncertain frames neither extend nor reset the
// silence run.
//
// One Detector serves one session. It is not safe for concurrent use and
// performs no I/O.
package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

// Class is the activity classification of a single frame.
type Class int

const (
	Silence Class = iota
	Speech
	Uncertain
)

func (c Class) String() string {
	switch c {
	case Speech:
		return "speech"
	case Silence:
		return "silence"
	default:
		return "uncertain"
	}
}

// Span is a contiguous period of detected caller speech. End is zero while the
// span is open. A closed span is never modified.
type Span struct {
	ID    string
	Start time.Duration
	End   time.Duration

	// Detected is the end of the frame that opened the span. Detected-Start
	// is how late the opening was reported.
	Detected time.Duration

	PeakEnergy float64
	Confidence float64
}

// Open reports whether the span has not been closed yet.
func (s Span) Open() bool { return s.End == 0 }

// Duration returns End-Start for a closed span and zero for an open one.
func (s Span) Duration() time.Duration {
	if s.Open() {
		return 0
	}
	return s.End - s.Start
}

// EventType distinguishes span boundaries.
type EventType int

const (
	SpanOpened EventType = iota + 1
	SpanClosed
)

func (t EventType) String() string {
	switch t {
	case SpanOpened:
		return "span_opened"
	case SpanClosed:
		return "span_closed"
	default:
		return "unknown"
	}
}

// SpanEvent reports a span boundary. Span is a snapshot taken at the time of
// the event.
type SpanEvent struct {
	Type EventType
	Span Span
}

// Result is the outcome of processing one frame.
type Result struct {
	Class      Class
	Energy     float64
	Confidence float64

	// Event is non-nil when this frame opened or closed a span.
	Event *SpanEvent
}

// Config tunes a Detector. Zero fields take the defaults from [DefaultConfig].
type Config struct {
	// EnergyThreshold is the RMS level (int16 scale) a speech frame must reach.
	// Frames below half of it are always silence.
	EnergyThreshold float64

	// SpeechThreshold and SilenceThreshold bound the VAD probability for the
	// speech and silence classes.
	SpeechThreshold  float64
	SilenceThreshold float64

	// Window is the rolling window inspected for span onset.
	Window time.Duration

	// MinSpeech is the amount of speech inside Window that opens a span.
	MinSpeech time.Duration

	// Hangover is how long silence must persist before a span closes.
	Hangover time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:  500,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		Window:           300 * time.Millisecond,
		MinSpeech:        60 * time.Millisecond,
		Hangover:         500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = d.EnergyThreshold
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = d.SpeechThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = d.MinSpeech
	}
	if c.Hangover <= 0 {
		c.Hangover = d.Hangover
	}
	return c
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("activity: silence threshold above speech threshold"))
	}
	if c.MinSpeech > c.Window {
		errs = append(errs, errors.New("activity: min speech longer than window"))
	}
	return errors.Join(errs...)
}

type windowEntry struct {
	ts     time.Duration
	class  Class
	energy float64
	prob   float64
}

// Detector is the per-session span detector.
type Detector struct {
	cfg  Config
	sess vad.SessionHandle

	window   []windowEntry
	head     int
	size     int
	speechIn time.Duration
	frameDur time.Duration

	open        bool
	span        Span
	probSum     float64
	probCount   int
	silenceRun  time.Duration
	lastSpeechE time.Duration
}

// New creates a Detector scoring frames with sess. The frame duration is
// taken from the first processed frame.
func New(sess vad.SessionHandle, cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, sess: sess}, nil
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Current returns the open span, if any.
func (d *Detector) Current() (Span, bool) {
	return d.span, d.open
}

// Classify applies the detector's thresholds to an energy and probability.
func (d *Detector) Classify(energy, prob float64) Class {
	switch {
	case energy >= d.cfg.EnergyThreshold && prob >= d.cfg.SpeechThreshold:
		return Speech
	case energy < d.cfg.EnergyThreshold*0.5 || prob < d.cfg.SilenceThreshold:
		return Silence
	default:
		return Uncertain
	}
}

// Process classifies f and advances the span state machine.
func (d *Detector) Process(f audio.AudioFrame) (Result, error) {
	ev, err := d.sess.ProcessFrame(f.Data)
	if err != nil {
		return Result{}, fmt.Errorf("activity: vad: %w", err)
	}
	if d.window == nil {
		d.init(f.Duration())
	}

	energy := audio.RMS(f.Data)
	class := d.Classify(energy, ev.Probability)
	d.push(windowEntry{ts: f.Timestamp, class: class, energy: energy, prob: ev.Probability})

	res := Result{Class: class, Energy: energy, Confidence: ev.Probability}
	if !d.open {
		if class == Speech && d.speechIn >= d.cfg.MinSpeech {
			res.Event = d.openSpan(f.Timestamp + d.frameDur)
		}
		return res, nil
	}

	switch class {
	case Speech:
		d.silenceRun = 0
		d.lastSpeechE = f.Timestamp + d.frameDur
		d.probSum += ev.Probability
		d.probCount++
		d.span.Confidence = d.probSum / float64(d.probCount)
		if energy > d.span.PeakEnergy {
			d.span.PeakEnergy = energy
		}
	case Silence:
		d.silenceRun += d.frameDur
		if d.silenceRun >= d.cfg.Hangover {
			res.Event = d.closeSpan(d.lastSpeechE)
		}
	}
	return res, nil
}

// Flush closes the open span, if any, as of ts (typically the end of the
// stream) and returns its SpanClosed event.
func (d *Detector) Flush(ts time.Duration) *SpanEvent {
	if !d.open {
		return nil
	}
	end := d.lastSpeechE
	if end == 0 || end > ts {
		end = ts
	}
	return d.closeSpan(end)
}

// Reset drops all state without emitting events.
func (d *Detector) Reset() {
	d.open = false
	d.span = Span{}
	d.clearWindow()
	d.sess.Reset()
}

func (d *Detector) init(frameDur time.Duration) {
	if frameDur <= 0 {
		frameDur = audio.DefaultFrameSize
	}
	d.frameDur = frameDur
	n := int(d.cfg.Window / frameDur)
	if n < 1 {
		n = 1
	}
	d.window = make([]windowEntry, n)
}

func (d *Detector) push(e windowEntry) {
	if d.size == len(d.window) {
		if d.window[d.head].class == Speech {
			d.speechIn -= d.frameDur
		}
		d.window[d.head] = e
		d.head = (d.head + 1) % len(d.window)
	} else {
		d.window[(d.head+d.size)%len(d.window)] = e
		d.size++
	}
	if e.class == Speech {
		d.speechIn += d.frameDur
	}
}

func (d *Detector) clearWindow() {
	d.head, d.size, d.speechIn = 0, 0, 0
}

func (d *Detector) openSpan(detected time.Duration) *SpanEvent {
	span := Span{ID: uuid.NewString(), Detected: detected}
	var sum float64
	var n int
	first := true
	for i := range d.size {
		e := d.window[(d.head+i)%len(d.window)]
		if e.class != Speech {
			continue
		}
		if first {
			span.Start = e.ts
			first = false
		}
		if e.energy > span.PeakEnergy {
			span.PeakEnergy = e.energy
		}
		sum += e.prob
		n++
		d.lastSpeechE = e.ts + d.frameDur
	}
	span.Confidence = sum / float64(n)

	d.open = true
	d.span = span
	d.probSum, d.probCount = sum, n
	d.silenceRun = 0
	return &SpanEvent{Type: SpanOpened, Span: span}
}

func (d *Detector) closeSpan(end time.Duration) *SpanEvent {
	if end <= d.span.Start {
		end = d.span.Start + d.frameDur
	}
	d.span.End = end
	closed := d.span
	d.open = false
	d.span = Span{}
	d.silenceRun = 0
	d.clearWindow()
	return &SpanEvent{Type: SpanClosed, Span: closed}
}
