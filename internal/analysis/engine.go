// Package analysis validates, classifies, and summarizes captured signals.
// The engine is stateless given its input; identical buffers always produce
// identical results, including the summary text.
package analysis

import (
	"fmt"
	"time"

	"github.com/halcyonrf/txgate/internal/buffer"
	"github.com/halcyonrf/txgate/pkg/schema"
)

// Band validation limits.
const (
	MinPulseSamples = 10
	PulseMinUs      = 100
	PulseMaxUs      = 10000
	PulseMinRSSI    = -100 // dBm; only enforced when RSSI was measured
	PacketMinRSSI   = -90  // dBm
)

// Pulse classification thresholds.
const (
	garagePulseUs   = 400
	doorbellPulseUs = 350
	garagePulses    = 48
	carRemotePulses = 128
)

// Engine validates and classifies signals for one band.
type Engine struct {
	band schema.RFBand
}

// New creates an analysis engine for the given band.
func New(band schema.RFBand) *Engine {
	return &Engine{band: band}
}

// Validate applies the band-specific acceptance rules to a freshly captured
// record. A rejected record yields an INVALID_SIGNAL error naming the rule.
func (e *Engine) Validate(s *schema.CapturedSignal) error {
	switch e.band {
	case schema.BandSub1GHz:
		if s.PulseCount() < MinPulseSamples {
			return schema.NewErrorf(schema.ErrCodeInvalidSignal,
				"pulse count %d below minimum %d", s.PulseCount(), MinPulseSamples)
		}
		for i, p := range s.PulseTimesUs {
			if p < PulseMinUs || p > PulseMaxUs {
				return schema.NewErrorf(schema.ErrCodeInvalidSignal,
					"pulse %d out of range: %d us", i, p).
					WithDetails(map[string]any{"index": i, "pulse_us": p})
			}
		}
		if s.RSSI != 0 && s.RSSI < PulseMinRSSI {
			return schema.NewErrorf(schema.ErrCodeInvalidSignal,
				"rssi %d dBm below floor %d", s.RSSI, PulseMinRSSI)
		}
	case schema.Band24GHz:
		if s.PayloadLen < 1 || s.PayloadLen > schema.MaxPayloadBytes {
			return schema.NewErrorf(schema.ErrCodeInvalidSignal,
				"payload length %d outside [1,%d]", s.PayloadLen, schema.MaxPayloadBytes)
		}
		if s.RSSI < PacketMinRSSI {
			return schema.NewErrorf(schema.ErrCodeInvalidSignal,
				"rssi %d dBm below floor %d", s.RSSI, PacketMinRSSI)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown band %q", e.band)
	}
	return nil
}

// Classify assigns a device-type label to a pulse-band record from its pulse
// characteristics. Packet-band records are left unclassified.
func (e *Engine) Classify(s *schema.CapturedSignal) {
	if e.band != schema.BandSub1GHz {
		return
	}
	avg := s.AvgPulseUs()
	count := s.PulseCount()
	switch {
	case avg > garagePulseUs && count >= garagePulses:
		s.DeviceType = "Garage Door"
	case avg < doorbellPulseUs && count < garagePulses:
		s.DeviceType = "Doorbell"
	case count >= carRemotePulses:
		s.DeviceType = "Car Remote"
	default:
		s.DeviceType = "Unknown"
	}
}

// Analyze classifies every valid record in the buffer and aggregates
// statistics. Records are mutated in place (classification labels); the
// result is deterministic for identical input.
func (e *Engine) Analyze(buf *buffer.Buffer) schema.AnalysisResult {
	result := schema.AnalysisResult{
		SignalCount: buf.Len(),
	}
	if buf.Len() == 0 {
		return result
	}

	var (
		rssiSum   float64
		rssiCount int
		patterns  = make(map[string]struct{})
	)
	result.MinRSSI = 0
	result.MaxRSSI = -999

	for i := 0; i < buf.Len(); i++ {
		s, _ := buf.Get(i)
		if s.Valid {
			e.Classify(s)
			result.ValidSignalCount++
			patterns[fmt.Sprintf("%s/%d", s.Protocol, s.PulseCount())] = struct{}{}
		}
		if s.RSSI != 0 {
			r := float64(s.RSSI)
			rssiSum += r
			rssiCount++
			if r < result.MinRSSI {
				result.MinRSSI = r
			}
			if r > result.MaxRSSI {
				result.MaxRSSI = r
			}
		}
	}

	result.UniquePatterns = len(patterns)
	if rssiCount > 0 {
		result.AvgRSSI = rssiSum / float64(rssiCount)
	}

	first, _ := buf.Get(0)
	last, _ := buf.Get(buf.Len() - 1)
	result.CaptureDuration = microsSpan(first.CaptureTimeUs, last.CaptureTimeUs)

	result.Summary = fmt.Sprintf("%d signals, %d valid, avg RSSI: %.1f dBm",
		result.SignalCount, result.ValidSignalCount, result.AvgRSSI)
	return result
}

func microsSpan(first, last uint64) time.Duration {
	if last < first {
		return 0
	}
	return time.Duration(last-first) * time.Microsecond
}
