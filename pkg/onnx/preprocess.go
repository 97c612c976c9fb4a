package onnx

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// prepareInput resizes img to size x size and writes it into dst as planar
// RGB float32 in [0,1] (CHW layout). It returns the scale factors that map
// model-space coordinates back to the source image.
func prepareInput(img image.Image, size int, dst []float32) (scaleX, scaleY float32) {
	bounds := img.Bounds()
	scaleX = float32(bounds.Dx()) / float32(size)
	scaleY = float32(bounds.Dy()) / float32(size)

	resized := imaging.Resize(img, size, size, imaging.Linear)
	channelSize := size * size

	workers := runtime.NumCPU()
	if workers > size {
		workers = size
	}
	rowsPerWorker := size / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == workers-1 {
			endY = size
		}

		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				src := resized.Pix[y*resized.Stride:]
				offset := y * size
				for x := 0; x < size; x++ {
					i := offset + x
					p := src[x*4:]
					dst[i] = float32(p[0]) / 255.0
					dst[channelSize+i] = float32(p[1]) / 255.0
					dst[channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return scaleX, scaleY
}
