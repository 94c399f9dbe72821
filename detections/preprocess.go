package detections

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// CPUFeatures reports the vector extensions available to ONNX Runtime.
func CPUFeatures() map[string]bool {
	return map[string]bool{
		"avx512f": cpu.X86.HasAVX512F,
		"avx2":    cpu.X86.HasAVX2,
		"sse41":   cpu.X86.HasSSE41,
		"fma":     cpu.X86.HasFMA,
		"asimd":   cpu.ARM64.HasASIMD,
	}
}

// Preprocessor converts a square RGB image into a CHW float32 tensor in
// [0, 1], one band of rows per worker.
type Preprocessor struct {
	size       int
	numWorkers int
}

func NewPreprocessor(size int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)

	// without wide vector units the conversion is memory bound
	if !cpu.X86.HasAVX2 && !cpu.ARM64.HasASIMD && workers > 4 {
		workers = 4
	}

	if workers > size {
		workers = size
	}
	if workers < 1 {
		workers = 1
	}

	return &Preprocessor{size: size, numWorkers: workers}
}

func (p *Preprocessor) Process(img image.Image, buffer []float32) {
	channelSize := p.size * p.size
	rowsPerWorker := p.size / p.numWorkers
	bounds := img.Bounds()

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()

			if nrgba, ok := img.(*image.NRGBA); ok {
				p.processNRGBA(nrgba, buffer, start, end)
				return
			}

			for y := start; y < end; y++ {
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					buffer[i] = float32(r>>8) / 255.0
					buffer[channelSize+i] = float32(g>>8) / 255.0
					buffer[channelSize*2+i] = float32(b>>8) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

// processNRGBA reads the pixel buffer directly. imaging.Resize returns NRGBA.
func (p *Preprocessor) processNRGBA(img *image.NRGBA, buffer []float32, start, end int) {
	channelSize := p.size * p.size

	for y := start; y < end; y++ {
		row := img.Pix[y*img.Stride:]
		offset := y * p.size

		for x := 0; x < p.size; x++ {
			i := offset + x
			px := row[x*4:]
			buffer[i] = float32(px[0]) / 255.0
			buffer[channelSize+i] = float32(px[1]) / 255.0
			buffer[channelSize*2+i] = float32(px[2]) / 255.0
		}
	}
}
