package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/errors"
)

// fractionEpsilon absorbs float error in products such as 0.7*10 before ceil.
const fractionEpsilon = 1e-9

// SplitConfig controls Split.
type SplitConfig struct {
	Classes []string
	// TestFraction of each class goes to the test partition.
	TestFraction float64
	// ValidationFraction of what is left after the test carve goes to the
	// validation partition.
	ValidationFraction float64
	Seed               int64
	Existing           ExistingPolicy
}

// ClassSplit lists the destination files of one class.
type ClassSplit struct {
	Class      string
	Train      []string
	Test       []string
	Validation []string
}

// Total returns the number of files across all partitions.
func (c ClassSplit) Total() int {
	return len(c.Train) + len(c.Test) + len(c.Validation)
}

// SplitResult describes the partitions produced or found by Split.
type SplitResult struct {
	Dirs Dirs
	// Skipped is set when existing partitions were kept.
	Skipped bool
	// Classes follows the order of SplitConfig.Classes.
	Classes []ClassSplit
	// Counter is the last id issued; unchanged when Skipped.
	Counter int
}

// Splitter partitions <Root>/<class> image folders into train, test and
// validation copies.
type Splitter struct {
	Fs     afero.Fs
	Root   string
	Logger *zap.Logger
}

// NewSplitter returns a Splitter over fs rooted at root.
func NewSplitter(fs afero.Fs, root string, logger *zap.Logger) *Splitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{Fs: fs, Root: root, Logger: logger}
}

type classPlan struct {
	class string
	src   map[Partition][]string
}

// Split copies the images of every class into the partition directories.
// Files are renamed to ids drawn from counter, which is shared across
// classes and partitions and may be shared across calls.
func (s *Splitter) Split(ctx context.Context, cfg SplitConfig, counter *Counter) (*SplitResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = &Counter{}
	}

	dirs := PartitionDirs(s.Root, cfg.Classes)
	result := &SplitResult{Dirs: dirs}

	exists, err := afero.DirExists(s.Fs, dirs.Train)
	if err != nil {
		return nil, errors.Dataset(dirs.Train, err)
	}
	if exists {
		switch cfg.Existing {
		case Fail:
			return nil, errors.Configuration("existing_policy", "partition %s already exists", dirs.Train)
		case Replace:
			s.Logger.Info("removing existing partitions", zap.String("train", dirs.Train))
			for _, p := range Partitions {
				if err := s.Fs.RemoveAll(dirs.Dir(p)); err != nil {
					return nil, errors.Dataset(dirs.Dir(p), err)
				}
			}
		default:
			s.Logger.Warn("partitions already exist, skipping split",
				zap.String("train", dirs.Train),
				zap.String("hint", "use the replace policy to repartition"))
			return s.existing(result, cfg.Classes)
		}
	}

	// plan every class before touching the filesystem so a bad class leaves
	// no partial partitions behind
	plans := make([]classPlan, 0, len(cfg.Classes))
	for _, class := range cfg.Classes {
		plan, err := s.plan(class, cfg)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	for _, plan := range plans {
		cs := ClassSplit{Class: plan.class}
		for _, p := range Partitions {
			dstDir := filepath.Join(dirs.Dir(p), plan.class)
			if err := s.Fs.MkdirAll(dstDir, 0755); err != nil {
				return nil, errors.Dataset(dstDir, err)
			}
			for _, src := range plan.src[p] {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				dst := filepath.Join(dstDir, fmt.Sprintf("%d%s", counter.Next(), filepath.Ext(src)))
				if err := s.copyFile(src, dst); err != nil {
					return nil, err
				}
				switch p {
				case Train:
					cs.Train = append(cs.Train, dst)
				case Test:
					cs.Test = append(cs.Test, dst)
				default:
					cs.Validation = append(cs.Validation, dst)
				}
			}
		}
		s.Logger.Info("split class",
			zap.String("class", plan.class),
			zap.Int("train", len(cs.Train)),
			zap.Int("val", len(cs.Validation)),
			zap.Int("test", len(cs.Test)))
		result.Classes = append(result.Classes, cs)
	}
	result.Counter = counter.Value()
	return result, nil
}

func (cfg SplitConfig) validate() error {
	if len(cfg.Classes) == 0 {
		return errors.Configuration("classes", "at least one class is required")
	}
	seen := make(map[string]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		if c == "" {
			return errors.Configuration("classes", "empty class label")
		}
		if seen[c] {
			return errors.Configuration("classes", "duplicate class %q", c)
		}
		seen[c] = true
	}
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		return errors.Configuration("test_fraction", "must be in (0, 1), got %g", cfg.TestFraction)
	}
	if cfg.ValidationFraction <= 0 || cfg.ValidationFraction >= 1 {
		return errors.Configuration("validation_fraction", "must be in (0, 1), got %g", cfg.ValidationFraction)
	}
	return nil
}

// plan lists and partitions the images of one class without copying.
func (s *Splitter) plan(class string, cfg SplitConfig) (classPlan, error) {
	dir := filepath.Join(s.Root, class)
	files, err := ListImages(s.Fs, dir)
	if err != nil {
		return classPlan{}, err
	}
	n := len(files)
	if n == 0 {
		return classPlan{}, errors.Datasetf(dir, "class %q has no images", class)
	}

	nTest := carve(cfg.TestFraction, n)
	rest := n - nTest
	nVal := carve(cfg.ValidationFraction, rest)
	if rest-nVal < 1 {
		return classPlan{}, errors.Datasetf(dir, "class %q has %d images, too few to leave one for training", class, n)
	}

	// two independent stages, each seeded the same way
	perm := rand.New(rand.NewSource(cfg.Seed)).Perm(n)
	test := pick(files, perm[:nTest])
	remaining := pick(files, perm[nTest:])

	perm = rand.New(rand.NewSource(cfg.Seed)).Perm(rest)
	val := pick(remaining, perm[:nVal])
	train := pick(remaining, perm[nVal:])

	return classPlan{
		class: class,
		src:   map[Partition][]string{Train: train, Test: test, Validation: val},
	}, nil
}

// existing reports the files of partitions kept under the Skip policy. Every
// requested class must be present, otherwise the partitions belong to a
// different run.
func (s *Splitter) existing(result *SplitResult, classes []string) (*SplitResult, error) {
	result.Skipped = true
	for _, class := range classes {
		cs := ClassSplit{Class: class}
		for _, p := range Partitions {
			dir := filepath.Join(result.Dirs.Dir(p), class)
			ok, err := afero.DirExists(s.Fs, dir)
			if err != nil {
				return nil, errors.Dataset(dir, err)
			}
			if !ok {
				return nil, errors.Configuration("existing_policy",
					"existing partitions lack class %q (%s), use the replace policy", class, dir)
			}
			files, err := ListImages(s.Fs, dir)
			if err != nil {
				return nil, err
			}
			switch p {
			case Train:
				cs.Train = files
			case Test:
				cs.Test = files
			default:
				cs.Validation = files
			}
		}
		result.Classes = append(result.Classes, cs)
	}
	return result, nil
}

func (s *Splitter) copyFile(src, dst string) error {
	in, err := s.Fs.Open(src)
	if err != nil {
		return errors.Dataset(src, err)
	}
	defer in.Close()

	out, err := s.Fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Dataset(dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Dataset(dst, err)
	}
	if err := out.Close(); err != nil {
		return errors.Dataset(dst, err)
	}
	return nil
}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Dataset(dir, err)
	}
	var files []string
	for _, info := range infos {
		if info.IsDir() || !IsImage(info.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, info.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func carve(fraction float64, n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Ceil(fraction*float64(n) - fractionEpsilon))
}

func pick(files []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = files[j]
	}
	return out
}
