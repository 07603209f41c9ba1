package predictor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"brainreg/internal/models"
	"brainreg/pkg/volumeio"
)

// CommandDeformer runs an external executable to predict the deformation.
//
// The executable is called as
//
//	Command... ref.npy flo.npy fwd.npy bak.npy
//
// with the two atlas-space inputs written as Fortran-ordered float32 arrays.
// It must write both fields as (X, Y, Z, 3) arrays before exiting 0.
type CommandDeformer struct {
	Command []string

	// Dir is the parent of the per-call exchange directory; empty uses the
	// system temp dir.
	Dir string

	Logger *slog.Logger
}

// PredictDeformation implements Deformer.
func (d *CommandDeformer) PredictDeformation(ctx context.Context, ref, flo *models.Volume) (*models.Field, *models.Field, error) {
	work, err := os.MkdirTemp(d.Dir, "brainreg-deform-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create exchange directory: %w", err)
	}
	defer os.RemoveAll(work)

	refPath := filepath.Join(work, "ref.npy")
	floPath := filepath.Join(work, "flo.npy")
	fwdPath := filepath.Join(work, "fwd.npy")
	bakPath := filepath.Join(work, "bak.npy")

	if err := volumeio.WriteNpyFile(refPath, volumeio.VolumeToArray(ref), volumeio.Float32); err != nil {
		return nil, nil, err
	}
	if err := volumeio.WriteNpyFile(floPath, volumeio.VolumeToArray(flo), volumeio.Float32); err != nil {
		return nil, nil, err
	}

	if err := run(ctx, loggerOrDefault(d.Logger), d.Command, refPath, floPath, fwdPath, bakPath); err != nil {
		return nil, nil, err
	}

	fwd, err := readField(fwdPath, ref)
	if err != nil {
		return nil, nil, err
	}
	bak, err := readField(bakPath, ref)
	if err != nil {
		return nil, nil, err
	}
	return fwd, bak, nil
}

func readField(path string, ref *models.Volume) (*models.Field, error) {
	arr, err := volumeio.ReadNpyFile(path)
	if err != nil {
		return nil, fmt.Errorf("predictor output: %w", err)
	}
	f, err := volumeio.ArrayToField(arr, ref.Affine)
	if err != nil {
		return nil, fmt.Errorf("predictor output %s: %w", filepath.Base(path), err)
	}
	if f.Shape != ref.Shape {
		return nil, fmt.Errorf("predictor output %s has shape %v, want %v", filepath.Base(path), f.Shape, ref.Shape)
	}
	return f, nil
}

// CommandSegmenter runs an external executable to segment a volume.
//
// The executable is called as
//
//	Command... input.npy posteriors.npy
//
// and must write a (X, Y, Z, C) array with one channel per entry of Labels.
type CommandSegmenter struct {
	Command []string
	Labels  []int
	Dir     string
	Logger  *slog.Logger
}

// Segment implements Segmenter.
func (s *CommandSegmenter) Segment(ctx context.Context, v *models.Volume) (*models.Posteriors, error) {
	work, err := os.MkdirTemp(s.Dir, "brainreg-seg-")
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange directory: %w", err)
	}
	defer os.RemoveAll(work)

	in := filepath.Join(work, "input.npy")
	out := filepath.Join(work, "posteriors.npy")
	if err := volumeio.WriteNpyFile(in, volumeio.VolumeToArray(v), volumeio.Float32); err != nil {
		return nil, err
	}
	if err := run(ctx, loggerOrDefault(s.Logger), s.Command, in, out); err != nil {
		return nil, err
	}

	arr, err := volumeio.ReadNpyFile(out)
	if err != nil {
		return nil, fmt.Errorf("segmenter output: %w", err)
	}
	p, err := volumeio.ArrayToPosteriors(arr, s.Labels, v.Affine)
	if err != nil {
		return nil, fmt.Errorf("segmenter output: %w", err)
	}
	if p.Shape != v.Shape {
		return nil, fmt.Errorf("segmenter output has shape %v, want %v", p.Shape, v.Shape)
	}
	return p, nil
}

// run executes command with extra appended to its arguments. A non-zero exit
// is reported together with the captured stderr.
func run(ctx context.Context, logger *slog.Logger, command []string, extra ...string) error {
	if len(command) == 0 {
		return fmt.Errorf("no command configured")
	}
	args := append(append([]string(nil), command[1:]...), extra...)
	cmd := exec.CommandContext(ctx, command[0], args...)
	// grandchildren may hold the output pipes open after a kill
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running predictor", "command", strings.Join(command, " "))
	start := time.Now()
	err := cmd.Run()
	logger.Debug("predictor finished", "command", command[0], "duration", time.Since(start), "stdout", strings.TrimSpace(stdout.String()))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", command[0], ctxErr)
		}
		return fmt.Errorf("execution of %s failed: %w. Stderr: %s", command[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
