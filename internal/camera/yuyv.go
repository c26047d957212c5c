package camera

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// yuyvToImage はYUYV 4:2:2の生フレームを画像に変換する
// 幅は偶数である必要がある
func yuyvToImage(frame []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %dx%d", width, height)
	}
	if want := width * height * 2; len(frame) < want {
		return nil, fmt.Errorf("フレーム長が不足しています (期待: %d, 実際: %d)", want, len(frame))
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := frame[y*width*2 : (y+1)*width*2]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
	}
	return img, nil
}

// encodeJPEG は画像をJPEGにエンコードする
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
