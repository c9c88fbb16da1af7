package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	spooky "github.com/dgryski/go-spooky"

	"github.com/tsawler/go-metal-transfer/errors"
)

// Partition names one of the three directories a dataset is split into.
type Partition string

// Partitions, in the order files are copied into them.
const (
	Train      Partition = "train"
	Test       Partition = "test"
	Validation Partition = "val"
)

// Partitions lists every partition in copy order.
var Partitions = []Partition{Train, Test, Validation}

// ImageExtensions are the file extensions treated as images, compared case
// insensitively.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// IsImage reports whether name has one of ImageExtensions.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ProblemName identifies a classification problem by its class set: the
// sorted labels joined with "_". Labels that themselves contain "_" make the
// join ambiguous, so a hash of the exact label set is appended in that case.
func ProblemName(classes []string) string {
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)
	name := strings.Join(sorted, "_")
	for _, c := range sorted {
		if strings.Contains(c, "_") {
			return fmt.Sprintf("%s_%016x", name, spooky.Hash64([]byte(strings.Join(sorted, "\x00"))))
		}
	}
	return name
}

// Dirs holds the three partition directories of one problem.
type Dirs struct {
	Train      string
	Test       string
	Validation string
}

// PartitionDirs returns <root>/<partition>_<problem> for every partition.
func PartitionDirs(root string, classes []string) Dirs {
	problem := ProblemName(classes)
	return Dirs{
		Train:      filepath.Join(root, string(Train)+"_"+problem),
		Test:       filepath.Join(root, string(Test)+"_"+problem),
		Validation: filepath.Join(root, string(Validation)+"_"+problem),
	}
}

// Dir returns the directory for p.
func (d Dirs) Dir(p Partition) string {
	switch p {
	case Train:
		return d.Train
	case Test:
		return d.Test
	default:
		return d.Validation
	}
}

// ExistingPolicy decides what Split does when the train partition of a
// problem already exists.
type ExistingPolicy int

const (
	// Skip keeps the existing partitions and does no copying.
	Skip ExistingPolicy = iota
	// Replace removes the existing partitions and splits again.
	Replace
	// Fail returns a ConfigurationError.
	Fail
)

func (p ExistingPolicy) String() string {
	switch p {
	case Skip:
		return "skip"
	case Replace:
		return "replace"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("ExistingPolicy(%d)", int(p))
}

// ParseExistingPolicy parses skip, replace or fail. The empty string is Skip.
func ParseExistingPolicy(s string) (ExistingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return Skip, nil
	case "replace":
		return Replace, nil
	case "fail":
		return Fail, nil
	}
	return Skip, errors.Configuration("existing_policy", "unknown policy %q, expected skip, replace or fail", s)
}

// Counter issues the sequential file ids shared by every class and partition
// of a split. The zero value issues 1 first.
type Counter struct {
	n int
}

// Next advances the counter and returns the new id.
func (c *Counter) Next() int {
	c.n++
	return c.n
}

// Value returns the last id issued, 0 if none.
func (c *Counter) Value() int {
	return c.n
}
