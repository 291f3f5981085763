// Package pipeline orchestrates a processing run: discovery, conversion,
// merge, disclosure control and final aggregation, in that order. Every
// stage is idempotent, so a run interrupted anywhere is finished by simply
// running again.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"labpipe/internal/convert"
	"labpipe/internal/disclose"
	"labpipe/internal/merge"
	"labpipe/internal/refrange"
	"labpipe/internal/source"
	"labpipe/internal/track"
	"labpipe/internal/workspace"
)

// Options tunes one processing run.
type Options struct {
	// SingleFile restricts conversion to one input file, named by its
	// base name. Discovery and merge still cover the whole lab.
	SingleFile string

	// Parallel caps the converter worker pool. 0 resolves from the
	// workspace settings, then to the CPU count.
	Parallel int

	// Reimport wipes each lab's tracked state and intermediate data
	// before processing, forcing a full re-run from the raw inputs.
	Reimport bool

	// Confirm gates the reimport wipe. Nil means refuse unless Yes.
	Confirm func(prompt string) bool
	Yes     bool
}

func (o *Options) workers(s *workspace.Settings) int {
	n := o.Parallel
	if n <= 0 {
		n = s.Parallel
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

// Run processes every registered lab, then rebuilds each lab's
// disclosure-controlled dataset and the final aggregate. Per-lab failures
// are collected rather than halting remaining labs, except for lifecycle
// corruption, which stops the run immediately.
func Run(ctx context.Context, reg *source.Registry, s *workspace.Settings, opts Options, logger *slog.Logger) error {
	if err := s.EnsureDirs(); err != nil {
		return err
	}

	tr, err := track.Open(s.TrackerPath())
	if err != nil {
		return err
	}
	defer tr.Close()

	var errs []error
	for _, code := range reg.Codes() {
		adapter, _ := reg.Get(code)
		if err := processLab(ctx, tr, adapter, s, opts, logger); err != nil {
			var illegal *track.IllegalTransitionError
			if errors.As(err, &illegal) {
				return err
			}
			logger.Error("lab processing failed", "lab", code, "error", err)
			errs = append(errs, fmt.Errorf("lab %s: %w", code, err))
			continue
		}
		if _, err := disclose.Anonymise(s, code, logger); err != nil {
			errs = append(errs, fmt.Errorf("lab %s: %w", code, err))
		}
	}

	if _, err := disclose.Aggregate(s); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func processLab(ctx context.Context, tr *track.Tracker, adapter source.Adapter, s *workspace.Settings, opts Options, logger *slog.Logger) error {
	lab := adapter.LabCode()
	log := logger.With("lab", lab)

	if opts.Reimport {
		if err := reimport(tr, s, lab, opts, log); err != nil {
			return err
		}
	}

	inputs, err := discover(tr, adapter, log)
	if err != nil {
		return err
	}

	cls, err := classifier(adapter, s, log)
	if err != nil {
		return err
	}

	if err := convertLab(ctx, tr, adapter, cls, s, inputs, opts, log); err != nil {
		return err
	}

	merged, err := merge.Lab(tr, s, lab, log)
	if err != nil {
		return err
	}
	if merged > 0 {
		log.Info("merge complete", "files", merged)
	}
	return nil
}

// reimport forgets everything tracked for the lab and removes its
// intermediate data, so the next discovery starts from scratch. The raw
// inputs and the published final data are never touched.
func reimport(tr *track.Tracker, s *workspace.Settings, lab string, opts Options, log *slog.Logger) error {
	prompt := fmt.Sprintf("wipe all tracked state and intermediate data for lab %s?", lab)
	if !opts.Yes && (opts.Confirm == nil || !opts.Confirm(prompt)) {
		return fmt.Errorf("reimport of %s not confirmed", lab)
	}

	if err := tr.Wipe(lab); err != nil {
		return err
	}

	pattern := filepath.Join(s.IntermediateDir(), fmt.Sprintf("%sconverted_%s_*.csv", s.EnvPrefix, lab))
	artifacts, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, path := range append(artifacts, s.CombinedPath(lab), s.ProcessedPath(lab)) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	log.Info("reimport: wiped tracked state and intermediate data")
	return nil
}

// discover registers every current input file and returns base name to
// path for the files that still need conversion. A tracked file whose
// content changed after processing is left alone: reprocessing it would
// double-count, so it needs an explicit reimport.
func discover(tr *track.Tracker, adapter source.Adapter, log *slog.Logger) (map[string]string, error) {
	paths, err := adapter.InputFiles()
	if err != nil {
		return nil, err
	}

	pending := make(map[string]string)
	for _, path := range paths {
		name := filepath.Base(path)
		fp, err := fingerprint(path)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", path, err)
		}
		stage, changed, err := tr.Register(adapter.LabCode(), name, fp)
		if err != nil {
			return nil, err
		}
		if changed && stage != track.StageDiscovered {
			log.Warn("input file changed after processing; reimport the lab to pick it up",
				"file", name, "stage", string(stage))
			continue
		}
		if stage == track.StageDiscovered {
			pending[name] = path
		}
	}
	log.Info("discovery complete", "inputs", len(paths), "pending", len(pending))
	return pending, nil
}

func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// classifier loads the lab's reference-range table. Labs without one get
// a classifier over an empty table; such labs are expected to carry their
// own banding via the converter hook.
func classifier(adapter source.Adapter, s *workspace.Settings, log *slog.Logger) (*refrange.Classifier, error) {
	cls := &refrange.Classifier{AdultAge: s.AdultAge, Logger: log}
	path := adapter.ReferenceRanges()
	if path == "" {
		return cls, nil
	}
	table, err := refrange.LoadTable(path)
	if err != nil {
		return nil, fmt.Errorf("reference ranges for %s: %w", adapter.LabCode(), err)
	}
	cls.Table = table
	return cls, nil
}

// convertLab runs the converter pool over the lab's pending files, plus
// any CONVERTED file whose artifact went missing, which happens when a
// crash lands between the artifact write and a completed merge cycle.
func convertLab(ctx context.Context, tr *track.Tracker, adapter source.Adapter, cls *refrange.Classifier, s *workspace.Settings, pending map[string]string, opts Options, log *slog.Logger) error {
	lab := adapter.LabCode()

	converted, err := tr.FilesInStage(lab, track.StageConverted)
	if err != nil {
		return err
	}
	type job struct {
		name      string
		path      string
		reconvert bool
	}
	var jobs []job
	for _, f := range converted {
		if fileExists(filepath.Join(s.IntermediateDir(), f.Artifact)) {
			continue
		}
		path, ok := pathFor(adapter, f.Filename)
		if !ok {
			return fmt.Errorf("artifact of %s/%s is missing and its input is gone", lab, f.Filename)
		}
		jobs = append(jobs, job{name: f.Filename, path: path, reconvert: true})
	}

	discovered, err := tr.FilesInStage(lab, track.StageDiscovered)
	if err != nil {
		return err
	}
	for _, f := range discovered {
		path, ok := pending[f.Filename]
		if !ok {
			// Tracked previously but absent from this discovery; its
			// input file was removed. Nothing to convert.
			continue
		}
		jobs = append(jobs, job{name: f.Filename, path: path})
	}

	if opts.SingleFile != "" {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.name == opts.SingleFile {
				kept = append(kept, j)
			}
		}
		jobs = kept
		if len(jobs) == 0 {
			return fmt.Errorf("file %q is not pending conversion for lab %s", opts.SingleFile, lab)
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers(s))
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := convert.File(adapter, cls, s, j.path, log)
			if err != nil {
				return err
			}
			log.Info("converted", "file", j.name, "artifact", res.Artifact,
				"rows", res.Rows, "skipped", res.Skipped, "bad_rows", res.BadRows)
			if j.reconvert {
				return tr.RefreshArtifact(lab, j.name, res.Artifact, res.Rows)
			}
			return tr.MarkConverted(lab, j.name, res.Artifact, res.Rows)
		})
	}
	return g.Wait()
}

func pathFor(adapter source.Adapter, name string) (string, bool) {
	paths, err := adapter.InputFiles()
	if err != nil {
		return "", false
	}
	for _, path := range paths {
		if filepath.Base(path) == name {
			return path, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
