package models

// Capabilities describes what the current device can decode and encode.
// Detected once at startup and treated as read-only afterwards.
type Capabilities struct {
	// Hardware-decodable codec families
	H264 bool `json:"h264"`
	HEVC bool `json:"hevc"`
	AV1  bool `json:"av1"`
	VP8  bool `json:"vp8"`
	VP9  bool `json:"vp9"`

	// Output encoders
	GIFEncoder  bool `json:"gif_encoder"`
	WebPEncoder bool `json:"webp_encoder"`

	HardwareAccel bool   `json:"hardware_accel"`
	CPUCores      int    `json:"cpu_cores"`
	RAMBytes      uint64 `json:"ram_bytes,omitempty"`
}

// SupportsCodec reports whether the normalized codec family can be decoded
// with hardware assistance on this device.
func (c *Capabilities) SupportsCodec(codec string) bool {
	switch NormalizeCodec(codec) {
	case "h264":
		return c.H264
	case "hevc":
		return c.HEVC
	case "av1":
		return c.AV1
	case "vp8":
		return c.VP8
	case "vp9":
		return c.VP9
	}
	return false
}

// Environment describes the execution context preconditions the engine
// needs before it can be initialized.
type Environment struct {
	SharedMemory        bool `json:"shared_memory"`
	CrossOriginIsolated bool `json:"cross_origin_isolated"`
	MultiThreaded       bool `json:"multi_threaded"`
}

// Usable reports whether the engine's multi-threaded runtime can start at
// all in this environment.
func (e *Environment) Usable() bool {
	return e.SharedMemory && e.MultiThreaded
}

// VideoMetadata is the parsed result of a metadata probe
type VideoMetadata struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	DurationMs  int64   `json:"duration_ms"`
	Codec       string  `json:"codec"`
	Container   string  `json:"container,omitempty"`
	FrameRate   float64 `json:"frame_rate"`
	BitrateKbps int     `json:"bitrate_kbps,omitempty"`
}

// Pixels returns the frame area, used for timeout scaling
func (m *VideoMetadata) Pixels() int {
	return m.Width * m.Height
}
