package detections

import (
	"image"

	"github.com/disintegration/imaging"
)

// resizeRGB scales packed RGB pixels to the fixed input geometry of the
// model.
func resizeRGB(pix []byte, width, height, dstWidth, dstHeight int) []byte {
	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height; i, j = i+1, j+4 {
		p := i * Channels
		src.Pix[j] = pix[p]
		src.Pix[j+1] = pix[p+1]
		src.Pix[j+2] = pix[p+2]
		src.Pix[j+3] = 0xff
	}

	resized := imaging.Resize(src, dstWidth, dstHeight, imaging.Linear)

	out := make([]byte, dstWidth*dstHeight*Channels)
	for y := 0; y < dstHeight; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < dstWidth; x++ {
			o := (y*dstWidth + x) * Channels
			copy(out[o:o+Channels], row[x*4:x*4+Channels])
		}
	}
	return out
}
