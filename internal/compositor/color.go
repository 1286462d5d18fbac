package compositor

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// statsThreshold selects the mask core used for color statistics.
const statsThreshold = 128

type channelStats struct {
	mean, std [3]float64
	n         int
}

// labStats computes per-channel mean and standard deviation of interleaved
// 3-channel pixels where mask >= statsThreshold.
func labStats(px, mask []byte) channelStats {
	var st channelStats
	var sum, sq [3]float64
	for i, m := range mask {
		if m < statsThreshold {
			continue
		}
		for ch := 0; ch < 3; ch++ {
			v := float64(px[i*3+ch])
			sum[ch] += v
			sq[ch] += v * v
		}
		st.n++
	}
	if st.n == 0 {
		return st
	}
	n := float64(st.n)
	for ch := 0; ch < 3; ch++ {
		st.mean[ch] = sum[ch] / n
		st.std[ch] = math.Sqrt(math.Max(0, sq[ch]/n-st.mean[ch]*st.mean[ch]))
	}
	return st
}

// transfer shifts and scales px so its statistics match target.
func transfer(px []byte, from, to channelStats) {
	var scale, offset [3]float64
	for ch := 0; ch < 3; ch++ {
		s := from.std[ch]
		if s < 1e-6 {
			s = 1e-6
		}
		scale[ch] = to.std[ch] / s
		scale[ch] = math.Min(scale[ch], 4) // flat patches would amplify noise
		offset[ch] = to.mean[ch] - from.mean[ch]*scale[ch]
	}
	for i := 0; i < len(px); i += 3 {
		for ch := 0; ch < 3; ch++ {
			v := float64(px[i+ch])*scale[ch] + offset[ch]
			px[i+ch] = uint8(math.Max(0, math.Min(255, v+0.5)))
		}
	}
}

// matchColor returns the BGR pixels of face after matching its Lab mean and
// spread to base under the mask.
func matchColor(face, base gocv.Mat, mask []byte) ([]byte, error) {
	faceLab := gocv.NewMat()
	defer faceLab.Close()
	baseLab := gocv.NewMat()
	defer baseLab.Close()
	gocv.CvtColor(face, &faceLab, gocv.ColorBGRToLab)
	gocv.CvtColor(base, &baseLab, gocv.ColorBGRToLab)

	px := faceLab.ToBytes()
	from := labStats(px, mask)
	to := labStats(baseLab.ToBytes(), mask)
	if from.n == 0 || to.n == 0 {
		return face.ToBytes(), nil
	}
	transfer(px, from, to)

	matched, err := gocv.NewMatFromBytes(face.Rows(), face.Cols(), gocv.MatTypeCV8UC3, px)
	if err != nil {
		return nil, err
	}
	defer matched.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(matched, &bgr, gocv.ColorLabToBGR)
	return bgr.ToBytes(), nil
}

// sharpen applies an unsharp mask:
// sharpened = original + amount * (original - blurred)
func sharpen(px []byte, width, height int, amount float32) []byte {
	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, px)
	if err != nil {
		return px
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), 2, 2, gocv.BorderDefault)

	out := gocv.NewMat()
	defer out.Close()
	gocv.AddWeighted(src, 1+float64(amount), blurred, -float64(amount), 0, &out)
	return out.ToBytes()
}
