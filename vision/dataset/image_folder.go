package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/tsawler/go-metal-transfer/errors"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Class indices follow the
// order of the class list given to NewImageFolderDataset, not the order of
// the directories on disk.
type ImageFolderDataset struct {
	fs         afero.Fs
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from <root>/<class> for every
// class in classes. Images inside a class are ordered by file name.
func NewImageFolderDataset(fs afero.Fs, root string, classes []string) (*ImageFolderDataset, error) {
	if len(classes) == 0 {
		return nil, errors.Configuration("classes", "at least one class is required")
	}

	dataset := &ImageFolderDataset{
		fs:         fs,
		root:       root,
		classNames: append([]string(nil), classes...),
		classToIdx: make(map[string]int, len(classes)),
	}

	for classIdx, className := range classes {
		if _, dup := dataset.classToIdx[className]; dup {
			return nil, errors.Configuration("classes", "duplicate class %q", className)
		}
		dataset.classToIdx[className] = classIdx

		classDir := filepath.Join(root, className)
		files, err := ListImages(fs, classDir)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Datasetf(root, "no images found")
	}

	return dataset, nil
}

// Fs returns the filesystem the images live on
func (d *ImageFolderDataset) Fs() afero.Fs {
	return d.fs
}

// Root returns the dataset directory
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Paths returns every image path in dataset order
func (d *ImageFolderDataset) Paths() []string {
	return d.imagePaths
}

// Labels returns every label in dataset order
func (d *ImageFolderDataset) Labels() []int {
	return d.labels
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex returns the label of className
func (d *ImageFolderDataset) ClassIndex(className string) (int, bool) {
	idx, ok := d.classToIdx[className]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset %s: %s samples, %d classes\n",
		d.root, humanize.Comma(int64(len(d.imagePaths))), len(d.classNames)))

	dist := d.ClassDistribution()
	for i, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  [%d] %s: %s samples\n", i, className, humanize.Comma(int64(dist[className]))))
	}
	return sb.String()
}
