// Package ffmpeg cuts clips out of source videos with the ffmpeg binary.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"clipper/blob"
	"clipper/job"
	"clipper/logger"
)

// maxLogTail bounds how much ffmpeg output ends up in an error message.
const maxLogTail = 512

type Config struct {
	Bin       string
	ExtraArgs string
	// Throttle thresholds; zero disables a check.
	ThrottleCPU      float64
	ThrottleFreeMem  int64
	ThrottleFreeDisk int64
}

// Cutter reads sources from and writes clips to a filesystem blob store.
type Cutter struct {
	cfg     Config
	args    []string
	store   *blob.FS
	tempDir string
	log     logger.Logger
}

func NewCutter(cfg Config, store *blob.FS, log logger.Logger) (*Cutter, error) {
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.Bin)
	}
	args, err := ParseExtraArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("FF_EXTRA_ARGS: %w", err)
	}
	tempDir, err := os.MkdirTemp("", "clipper_ffmpeg_")
	if err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}
	log.Info("Using temporary directory", logger.String("dir", tempDir))

	return &Cutter{cfg: cfg, args: args, store: store, tempDir: tempDir, log: log}, nil
}

// Close removes the cutter's temp directory.
func (c *Cutter) Close() error {
	return os.RemoveAll(c.tempDir)
}

// Cut encodes [start, end) of sourceKey into outputKey. Resource pressure and
// timeouts are transient; an ffmpeg failure is malformed, since the same
// input and range fail the same way again.
func (c *Cutter) Cut(ctx context.Context, sourceKey string, start, end float64, outputKey string) error {
	if end <= start {
		return job.Malformed(fmt.Sprintf("empty range %.2f-%.2f", start, end), nil)
	}
	if err := c.checkResources(); err != nil {
		return job.Transient("insufficient system resources", err)
	}

	srcPath, err := c.store.Path(sourceKey)
	if err != nil {
		return job.Fatal("source key", err)
	}
	if _, err := os.Stat(srcPath); err != nil {
		return job.Fatal("source video missing", err)
	}

	tmp, err := os.CreateTemp(c.tempDir, "cut_*"+filepath.Ext(outputKey))
	if err != nil {
		return job.Transient("create temp output", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := c.buildArgs(srcPath, start, end, tmpPath)
	cmd := exec.CommandContext(ctx, c.cfg.Bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	c.log.Debug("Executing ffmpeg", logger.String("cmd", strings.Join(cmd.Args, " ")))
	began := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return job.Transient("ffmpeg interrupted", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return job.Malformed("ffmpeg execution failed: "+tail(outputBuf.String()), err)
		}
		return job.Transient("ffmpeg could not start", err)
	}

	out, err := os.Open(tmpPath)
	if err != nil {
		return job.Transient("open cut output", err)
	}
	defer out.Close()
	n, err := c.store.Put(ctx, outputKey, out)
	if err != nil {
		return job.Transient("store cut output", err)
	}
	if n == 0 {
		return job.Malformed("ffmpeg produced an empty clip", nil)
	}

	c.log.Info("Cut clip",
		logger.String("key", outputKey),
		logger.Float64("start", start),
		logger.Float64("end", end),
		logger.Int64("bytes", n),
		logger.Duration("took", time.Since(began)),
	)
	return nil
}

// buildArgs seeks before -i for fast input seeking and bounds the clip with -t.
func (c *Cutter) buildArgs(src string, start, end float64, out string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(end - start),
	}
	args = append(args, c.args...)
	return append(args, out)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLogTail {
		return s[len(s)-maxLogTail:]
	}
	return s
}

// checkResources verifies that the system has enough free resources to start a cut.
func (c *Cutter) checkResources() error {
	if c.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			c.log.Warn("Could not get CPU usage", logger.Error(err))
		} else if len(p) > 0 && p[0] > (100.0-c.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], c.cfg.ThrottleCPU)
		}
	}

	if c.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			c.log.Warn("Could not get memory usage", logger.Error(err))
		} else if vm.Available < uint64(c.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, c.cfg.ThrottleFreeMem)
		}
	}

	if c.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(c.tempDir)
		if err != nil {
			c.log.Warn("Could not get disk usage", logger.String("dir", c.tempDir), logger.Error(err))
		} else if d.Free < uint64(c.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, c.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
