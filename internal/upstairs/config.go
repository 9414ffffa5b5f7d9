package upstairs

import "time"

// Config collects everything needed to stand up one Upstairs instance.
// Region geometry and replica targets are mandatory; the rest have
// workable defaults.
type Config struct {
	Region  RegionDef
	Targets [NumClients]string

	// EncryptionKey, if non-nil, enables AEAD on the wire. A nil key
	// means the region is unencrypted.
	EncryptionKey *[32]byte

	// Lossy is the fault-injection switch, off by default. It is carried
	// through configuration only: no code on the wire path reads it, so
	// setting it adds no delay, drops no frames and induces no errors.
	Lossy bool

	IOPLimit    uint64
	IOPUnitSize uint64
	BWLimit     uint64

	FlushTimeout time.Duration

	// RetireQueueLen overrides the retire ring capacity; <= 0 picks
	// DefaultFlushQueueDepth * 4.
	RetireQueueLen int

	// PingInterval / PingTimeout govern the per-client Ruok/Imok
	// heartbeat cadence.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// WithDefaults returns a copy of c with zero-valued tunables replaced by
// their defaults.
func (c Config) WithDefaults() Config {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 15 * time.Second
	}
	return c
}
