package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// ColorMode selects the channel layout of preprocessed images.
type ColorMode int

const (
	// Grayscale produces a single luma channel. Radiographs are stored as
	// single-channel images, so this is the usual mode for the classifier.
	Grayscale ColorMode = iota
	// RGB produces three channels in CHW order.
	RGB
)

// Channels returns the channel count of the mode.
func (m ColorMode) Channels() int {
	if m == RGB {
		return 3
	}
	return 1
}

func (m ColorMode) String() string {
	if m == RGB {
		return "rgb"
	}
	return "grayscale"
}

// ImageProcessor decodes and normalizes images for network input with buffer
// reuse across calls.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	mode          ColorMode
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// outputs in the given color mode.
func NewImageProcessor(targetSize int, mode ColorMode) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		mode:       mode,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// ToTensor copies the image into a [1, channels, height, width] tensor.
func (pi *ProcessedImage) ToTensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	data := make([]float32, len(pi.Data))
	copy(data, pi.Data)
	return tensor.NewTensor([]int{1, pi.Channels, pi.Height, pi.Width}, tensor.Float32, device, data)
}

// StackBatch stacks preprocessed images into a [batch, channels, height,
// width] tensor. All images must share the same dimensions.
func StackBatch(images []*ProcessedImage, device tensor.DeviceType) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("cannot stack an empty batch")
	}

	first := images[0]
	stride := first.Channels * first.Height * first.Width
	data := make([]float32, len(images)*stride)
	for i, img := range images {
		if img.Channels != first.Channels || img.Height != first.Height || img.Width != first.Width {
			return nil, fmt.Errorf("image %d has shape [%d %d %d], want [%d %d %d]",
				i, img.Channels, img.Height, img.Width, first.Channels, first.Height, first.Width)
		}
		copy(data[i*stride:(i+1)*stride], img.Data)
	}

	shape := []int{len(images), first.Channels, first.Height, first.Width}
	return tensor.NewTensor(shape, tensor.Float32, device, data)
}

// DecodeAndPreprocess decodes a PNG or JPEG image and converts it to CHW
// float32 data normalized to [0, 1]. Images at least as large as the target
// are center cropped without resampling; smaller ones are nearest-neighbor
// scaled up.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	size := p.targetSize
	channels := p.mode.Channels()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse data buffer
	requiredSize := channels * size * size
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	cropX := (width - size) / 2
	cropY := (height - size) / 2
	plane := size * size

	for y := 0; y < size; y++ {
		srcY := y * height / size
		if height >= size {
			srcY = cropY + y
		}
		for x := 0; x < size; x++ {
			srcX := x * width / size
			if width >= size {
				srcX = cropX + x
			}

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			idx := y*size + x
			if p.mode == RGB {
				data[idx] = clampUnit(rVal)
				data[plane+idx] = clampUnit(gVal)
				data[2*plane+idx] = clampUnit(bVal)
			} else {
				data[idx] = clampUnit(0.299*rVal + 0.587*gVal + 0.114*bVal)
			}
		}
	}

	// Create a copy since we're returning a slice of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: channels,
	}, nil
}

// clampUnit zeroes NaN and out-of-range samples.
func clampUnit(v float32) float32 {
	if v != v || v < 0 || v > 1 {
		return 0
	}
	return v
}

// PreprocessBatch preprocesses multiple image files concurrently
func PreprocessBatch(imagePaths []string, targetSize int, mode ColorMode, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errors := make([]error, len(imagePaths))

	// Create worker pool
	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	// Start workers
	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, mode)

			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errors[j.index] = err
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errors[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	// Submit jobs
	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	// Wait for completion
	wg.Wait()

	// Check for errors
	for i, err := range errors {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
