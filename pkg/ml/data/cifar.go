/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CIFAR-10 binary format constants. Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
const (
	// CIFAR10SubDir is the directory created by untarring cifar-10-binary.tar.gz.
	CIFAR10SubDir = "cifar-10-batches-bin"

	// CIFAR10NumClasses is the number of labels.
	CIFAR10NumClasses = 10

	// CIFAR10TrainExamples and CIFAR10TestExamples are the number of examples of each subset.
	CIFAR10TrainExamples = 50000
	CIFAR10TestExamples  = 10000
)

// Width, Height and Depth are the dimensions of the CIFAR images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// CIFAR10Labels are the names of the classes, indexed by label.
var CIFAR10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// CIFAR10Files returns the binary files of the subset ("train" or "test") of the CIFAR-10 dataset in dir.
// The files can be directly in dir or in its CIFAR10SubDir sub-directory.
func CIFAR10Files(dir, subset string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	switch subset {
	case "train":
		for ii := 1; ii <= 5; ii++ {
			names = append(names, fmt.Sprintf("data_batch_%d.bin", ii))
		}
	case "test", "eval":
		names = []string{"test_batch.bin"}
	default:
		return nil, errors.Errorf("unknown CIFAR-10 subset %q, valid values are \"train\" or \"test\"", subset)
	}
	if found, _ := fsutil.FileExists(filepath.Join(dir, names[0])); !found {
		if found, _ := fsutil.FileExists(filepath.Join(dir, CIFAR10SubDir, names[0])); found {
			dir = filepath.Join(dir, CIFAR10SubDir)
		}
	}
	files := make([]string, 0, len(names))
	for _, name := range names {
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}

// LoadCIFAR10 loads the subset ("train" or "test") of the CIFAR-10 binary dataset in dir.
// See LoadCIFARFiles for the returned tensors.
func LoadCIFAR10(dir, subset string) (images, labels *tensors.Tensor, err error) {
	files, err := CIFAR10Files(dir, subset)
	if err != nil {
		return nil, nil, err
	}
	return LoadCIFARFiles(files, 0)
}

// LoadCIFARFiles reads CIFAR-10 formatted binary files: each record is 1 label byte followed by the
// 3072 bytes of a 32x32 RGB image, stored channel by channel.
//
// It returns images shaped [numExamples, Height, Width, Depth] of Float32 scaled to [0, 1] and labels
// shaped [numExamples] of Int64. The labelOffset is subtracted from every label: use 1 for label sets
// that start counting at 1.
func LoadCIFARFiles(files []string, labelOffset int) (images, labels *tensors.Tensor, err error) {
	var imagesData []float32
	var labelsData []int64
	for _, file := range files {
		imagesData, labelsData, err = readCIFARFile(file, labelOffset, imagesData, labelsData)
		if err != nil {
			return nil, nil, err
		}
	}
	numExamples := len(labelsData)
	if numExamples == 0 {
		return nil, nil, errors.Errorf("no CIFAR examples found in %q", files)
	}
	klog.V(1).Infof("Loaded %d CIFAR examples from %d files", numExamples, len(files))
	images = tensors.FromFlatDataAndDimensions(imagesData, numExamples, Height, Width, Depth)
	labels = tensors.FromFlatDataAndDimensions(labelsData, numExamples)
	return
}

func readCIFARFile(file string, labelOffset int, imagesData []float32, labelsData []int64) ([]float32, []int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening CIFAR data file %q", file)
	}
	defer func() { _ = f.Close() }()
	reader := bufio.NewReader(f)
	var record [imageSizeBytes + 1]byte
	for exampleIdx := 0; ; exampleIdx++ {
		_, err = io.ReadFull(reader, record[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading example %d from %q", exampleIdx, file)
		}
		label := int64(record[0]) - int64(labelOffset)
		if label < 0 {
			return nil, nil, errors.Errorf("example %d from %q has label %d, which is negative after subtracting the offset %d",
				exampleIdx, file, record[0], labelOffset)
		}
		labelsData = append(labelsData, label)
		imagesData = appendCHWAsHWC(imagesData, record[1:])
	}
	return imagesData, labelsData, nil
}

// appendCHWAsHWC converts one image stored channel by channel into pixel by pixel (channels last) order,
// scaling the values to [0, 1].
func appendCHWAsHWC(imagesData []float32, image []byte) []float32 {
	for h := range Height {
		for w := range Width {
			for d := range Depth {
				imagesData = append(imagesData, float32(image[d*(Height*Width)+h*Width+w])/255)
			}
		}
	}
	return imagesData
}

// Synthetic generates a separable classification dataset: each class has a random prototype image, and
// each example is its class prototype plus noise, clipped to [0, 1].
//
// It returns images shaped [n, exampleShape...] of Float32 and labels shaped [n] of Int64, deterministic
// for a given seed.
func Synthetic(numClasses int, exampleShape []int, n int, seed uint64) (images, labels *tensors.Tensor) {
	rng := newRand(seed)
	exampleSize := shapes.Make(dtypes.Float32, exampleShape...).Size()
	prototypes := make([][]float32, numClasses)
	for class := range prototypes {
		prototypes[class] = make([]float32, exampleSize)
		for ii := range prototypes[class] {
			prototypes[class][ii] = rng.Float32()
		}
	}
	imagesData := make([]float32, 0, n*exampleSize)
	labelsData := make([]int64, n)
	for example := range n {
		class := rng.IntN(numClasses)
		labelsData[example] = int64(class)
		for _, v := range prototypes[class] {
			v += 0.1 * float32(rng.NormFloat64())
			imagesData = append(imagesData, min(max(v, 0), 1))
		}
	}
	images = tensors.FromFlatDataAndDimensions(imagesData, append([]int{n}, exampleShape...)...)
	labels = tensors.FromFlatDataAndDimensions(labelsData, n)
	return
}
