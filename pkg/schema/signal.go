package schema

import "time"

// MaxPayloadBytes is the fixed raw-payload capacity of a captured record.
const MaxPayloadBytes = 32

// CapturedSignal is one captured-signal record. A record exclusively owns its
// PulseTimesUs slice: Clone deep-copies it, and moving a record into the
// capture buffer empties the source (see buffer.Append). Nothing outside the
// record may retain the slice beyond the record's lifetime.
type CapturedSignal struct {
	// CaptureTimeUs is a monotonic microsecond timestamp.
	CaptureTimeUs uint64                `json:"capture_time_us"`
	FrequencyMHz  float64               `json:"frequency_mhz"`
	// RSSI in dBm; zero means not measured (common on pulse captures).
	RSSI         int16                  `json:"rssi"`
	Payload      [MaxPayloadBytes]byte  `json:"-"`
	PayloadLen   int                    `json:"payload_len"`
	// PulseTimesUs holds pulse widths in microseconds; nil for packet captures.
	PulseTimesUs []uint16               `json:"pulse_times_us,omitempty"`
	Protocol     string                 `json:"protocol"`
	DeviceType   string                 `json:"device_type"`
	Valid        bool                   `json:"valid"`
}

// Clone returns a deep copy. The clone owns an independent pulse array;
// mutating one copy never affects the other.
func (s *CapturedSignal) Clone() *CapturedSignal {
	cp := *s
	if s.PulseTimesUs != nil {
		cp.PulseTimesUs = make([]uint16, len(s.PulseTimesUs))
		copy(cp.PulseTimesUs, s.PulseTimesUs)
	}
	return &cp
}

// Take moves the record's contents out, leaving the source empty and safely
// reusable. The returned value owns the pulse array; the source no longer
// references it.
func (s *CapturedSignal) Take() CapturedSignal {
	out := *s
	*s = CapturedSignal{}
	return out
}

// PulseCount returns the number of pulse-timing samples.
func (s *CapturedSignal) PulseCount() int {
	return len(s.PulseTimesUs)
}

// AvgPulseUs returns the mean pulse width in microseconds, or 0 without samples.
func (s *CapturedSignal) AvgPulseUs() float64 {
	if len(s.PulseTimesUs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s.PulseTimesUs {
		sum += float64(p)
	}
	return sum / float64(len(s.PulseTimesUs))
}

// AnalysisResult summarizes one analysis pass over the capture buffer.
type AnalysisResult struct {
	SignalCount      int           `json:"signal_count"`
	ValidSignalCount int           `json:"valid_signal_count"`
	UniquePatterns   int           `json:"unique_patterns"`
	AvgRSSI          float64       `json:"avg_rssi"`
	MinRSSI          float64       `json:"min_rssi"`
	MaxRSSI          float64       `json:"max_rssi"`
	CaptureDuration  time.Duration `json:"capture_duration"`
	Complete         bool          `json:"complete"`
	Summary          string        `json:"summary"`
}

// MaxTransmitAttempts caps gate-chain attempts per selected signal.
const MaxTransmitAttempts = 3

// TransmitRequest carries the operator's transmission intent through the
// approval chain.
type TransmitRequest struct {
	SignalIndex  int           `json:"signal_index"`
	FrequencyMHz float64       `json:"frequency_mhz"`
	Duration     time.Duration `json:"duration"`
	Confirmed    bool          `json:"confirmed"`
	Attempts     int           `json:"attempts"`
}
