package hardware

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// Simulator is a deterministic in-memory Collaborator for one band. Signals
// are scripted with Enqueue and handed out in order; failures are scripted
// with the Fail* knobs. The CLI dry-run mode, the scheduler, and the tests
// all run against it.
type Simulator struct {
	mu    sync.Mutex
	band  schema.RFBand
	clock clockwork.Clock

	queue     []*schema.CapturedSignal
	receiving bool
	txEnabled bool
	healthy   bool
	inited    bool

	transmitted []schema.CapturedSignal

	failInit         bool
	failTransmit     bool
	failReceiveAfter int // 0 = never; N = the Nth Receive call errors
	receiveCalls     int
}

// NewSimulator creates a healthy simulator for the given band.
func NewSimulator(band schema.RFBand, clock clockwork.Clock) *Simulator {
	return &Simulator{band: band, clock: clock, healthy: true}
}

// Band returns the simulated band.
func (s *Simulator) Band() schema.RFBand {
	return s.band
}

// Enqueue scripts signals for later Receive calls. Capture timestamps are
// stamped from the simulator clock if unset.
func (s *Simulator) Enqueue(signals ...*schema.CapturedSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range signals {
		if sig.CaptureTimeUs == 0 {
			sig.CaptureTimeUs = uint64(s.clock.Now().UnixMicro())
		}
		s.queue = append(s.queue, sig)
	}
}

// FailInit scripts the next Init call to fail.
func (s *Simulator) FailInit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInit = true
}

// FailTransmit scripts every Transmit call to fail.
func (s *Simulator) FailTransmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTransmit = true
}

// FailReceiveAfter scripts the nth Receive call (1-based) to fail and mark
// the radio unhealthy.
func (s *Simulator) FailReceiveAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReceiveAfter = n
}

// Transmitted returns copies of every signal transmitted so far.
func (s *Simulator) Transmitted() []schema.CapturedSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]schema.CapturedSignal, len(s.transmitted))
	copy(cp, s.transmitted)
	return cp
}

func (s *Simulator) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeInitFailed, "radio init canceled").WithCause(err)
	}
	if s.failInit {
		s.failInit = false
		s.healthy = false
		return schema.NewErrorf(schema.ErrCodeInitFailed, "%s radio failed to initialize", s.band)
	}
	s.inited = true
	s.healthy = true
	s.txEnabled = false
	s.receiveCalls = 0
	return nil
}

func (s *Simulator) StartReceive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || !s.healthy {
		return schema.NewErrorf(schema.ErrCodeHardwareFailure, "%s radio not ready for receive", s.band)
	}
	s.receiving = true
	return nil
}

func (s *Simulator) StopReceive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiving = false
	return nil
}

func (s *Simulator) HasSignal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiving && len(s.queue) > 0
}

func (s *Simulator) Receive() (*schema.CapturedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.receiving {
		return nil, schema.NewErrorf(schema.ErrCodeHardwareFailure, "receive while not listening")
	}
	s.receiveCalls++
	if s.failReceiveAfter > 0 && s.receiveCalls >= s.failReceiveAfter {
		s.failReceiveAfter = 0
		s.healthy = false
		return nil, schema.NewErrorf(schema.ErrCodeHardwareFailure, "%s radio receive fault", s.band)
	}
	if len(s.queue) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeHardwareFailure, "receive with no pending signal")
	}
	sig := s.queue[0]
	s.queue = s.queue[1:]
	return sig, nil
}

func (s *Simulator) SetTransmitEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txEnabled = enabled
}

func (s *Simulator) TransmitEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txEnabled
}

func (s *Simulator) Transmit(ctx context.Context, sig *schema.CapturedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransmissionFailed, "transmit canceled").WithCause(err)
	}
	if !s.txEnabled {
		return schema.NewErrorf(schema.ErrCodeTransmissionFailed, "transmitter disabled")
	}
	if s.failTransmit {
		return schema.NewErrorf(schema.ErrCodeTransmissionFailed, "%s radio transmit fault", s.band)
	}
	s.transmitted = append(s.transmitted, *sig.Clone())
	return nil
}

func (s *Simulator) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Simulator) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txEnabled = false
	s.receiving = false
	s.inited = false
	return nil
}

// PulseRecord builds a valid pulse-band signal for scripting.
func PulseRecord(freqMHz float64, rssi int16, widthsUs ...uint16) *schema.CapturedSignal {
	sig := &schema.CapturedSignal{
		FrequencyMHz: freqMHz,
		RSSI:         rssi,
		PulseTimesUs: widthsUs,
	}
	return sig
}

// PacketRecord builds a valid packet-band signal for scripting. addr becomes
// the protocol/address field the binding gate checks.
func PacketRecord(freqMHz float64, rssi int16, addr string, payload []byte) *schema.CapturedSignal {
	sig := &schema.CapturedSignal{
		FrequencyMHz: freqMHz,
		RSSI:         rssi,
		Protocol:     addr,
	}
	sig.PayloadLen = copy(sig.Payload[:], payload)
	return sig
}
