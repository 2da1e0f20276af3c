// Package capability probes what the local engine and host can do:
// which codec families decode, which output encoders exist, whether any
// hardware acceleration method is present, and how much CPU and RAM the
// host offers.
package capability

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
)

const probeTimeout = 10 * time.Second

// Detect probes the ffmpeg binary and the host. Probe failures degrade to
// pessimistic capabilities rather than erroring; a missing binary is the
// only hard failure.
func Detect(ctx context.Context, binary string, log *logging.Logger) (*models.Capabilities, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	if log == nil {
		log = logging.Nop()
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, err
	}

	decoders := codecList(ctx, path, "-decoders", log)
	encoders := codecList(ctx, path, "-encoders", log)
	hwaccels := hwaccelList(ctx, path, log)

	caps := &models.Capabilities{
		H264:          decoders["h264"],
		HEVC:          decoders["hevc"],
		AV1:           decoders["av1"] || decoders["libdav1d"] || decoders["libaom-av1"],
		VP8:           decoders["vp8"] || decoders["libvpx"],
		VP9:           decoders["vp9"] || decoders["libvpx-vp9"],
		GIFEncoder:    encoders["gif"],
		WebPEncoder:   encoders["libwebp"] || encoders["libwebp_anim"],
		HardwareAccel: len(hwaccels) > 0,
	}

	caps.CPUCores = runtime.NumCPU()
	if cores, err := cpu.Counts(true); err == nil && cores > 0 {
		caps.CPUCores = cores
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		caps.RAMBytes = vmem.Total
	}

	log.Info("capabilities detected", map[string]interface{}{
		"hwaccel": caps.HardwareAccel,
		"cores":   caps.CPUCores,
	})
	return caps, nil
}

// DetectEnvironment describes the execution environment of this process.
// A native process always has shared memory and full isolation; threading
// depends on the host having more than one core.
func DetectEnvironment() models.Environment {
	return models.Environment{
		SharedMemory:        true,
		CrossOriginIsolated: true,
		MultiThreaded:       runtime.NumCPU() > 1,
	}
}

// codecList runs one ffmpeg listing command and returns the names found
func codecList(ctx context.Context, path, flag string, log *logging.Logger) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-hide_banner", flag)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &bytes.Buffer{}

	if err := cmd.Run(); err != nil {
		log.Warn("codec listing failed", map[string]interface{}{"flag": flag, "error": err.Error()})
		return map[string]bool{}
	}
	return parseCodecListing(stdout.String())
}

// parseCodecListing extracts names from `ffmpeg -decoders`/`-encoders`
// output. Entries look like " V....D h264  H.264 / AVC ..." with a flag
// column before the name.
func parseCodecListing(out string) map[string]bool {
	names := make(map[string]bool)
	past := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "---") {
			past = true
			continue
		}
		if !past || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// only video entries matter here
		if fields[0] == "" || (fields[0][0] != 'V' && fields[0][0] != 'v') {
			continue
		}
		names[fields[1]] = true
	}
	return names
}

func hwaccelList(ctx context.Context, path string, log *logging.Logger) []string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-hide_banner", "-hwaccels")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &bytes.Buffer{}

	if err := cmd.Run(); err != nil {
		log.Warn("hwaccel listing failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return parseHWAccels(stdout.String())
}

// parseHWAccels extracts acceleration method names, skipping the header
// line.
func parseHWAccels(out string) []string {
	var accels []string
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			continue
		}
		accels = append(accels, line)
	}
	return accels
}
