package detections

import (
	"runtime"
	"sync"
)

type channelProcessor struct {
	width, height int
	channelSize   int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  workers,
	}
}

// process converts packed height x width x 3 bytes into a planar
// channel-first buffer scaled to [0,1]. Rows are split across workers.
func (cp *channelProcessor) process(pix []byte) []float32 {
	buffer := make([]float32, cp.channelSize*Channels)
	rowsPerWorker := cp.height / cp.numWorkers

	var wg sync.WaitGroup
	wg.Add(cp.numWorkers)

	for w := 0; w < cp.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == cp.numWorkers-1 {
			endRow = cp.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				offset := y * cp.width
				for x := 0; x < cp.width; x++ {
					i := offset + x
					p := i * Channels
					buffer[i] = float32(pix[p]) / 255.0
					buffer[cp.channelSize+i] = float32(pix[p+1]) / 255.0
					buffer[cp.channelSize*2+i] = float32(pix[p+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return buffer
}
