package media

import (
	"strings"

	"github.com/pkg/errors"
)

// Pattern names a synthetic picture generator.
type Pattern string

const (
	PatternBars     Pattern = "bars"
	PatternGradient Pattern = "gradient"
	PatternNoise    Pattern = "noise"
)

// filePrefix marks a pattern that plays raw frames from a file.
const filePrefix = "file:"

// ParsePattern validates s. File patterns return the path as the second value.
func ParsePattern(s string) (Pattern, string, error) {
	if path, ok := strings.CutPrefix(s, filePrefix); ok {
		if path == "" {
			return "", "", errors.New("file pattern needs a path")
		}
		return "", path, nil
	}
	switch p := Pattern(s); p {
	case PatternBars, PatternGradient, PatternNoise:
		return p, "", nil
	case "":
		return PatternBars, "", nil
	}
	return "", "", errors.Errorf("unknown pattern %q", s)
}

var barColors = [8][3]byte{
	{192, 192, 192}, {192, 192, 0}, {0, 192, 192}, {0, 192, 0},
	{192, 0, 192}, {192, 0, 0}, {0, 0, 192}, {16, 16, 16},
}

// FillPattern draws frame n of p into dst, an RGBA buffer of width x height.
func FillPattern(p Pattern, dst []byte, width, height int, n uint64) {
	if width <= 0 || height <= 0 || len(dst) < width*height*4 {
		return
	}
	switch p {
	case PatternGradient:
		for y := 0; y < height; y++ {
			row := dst[y*width*4:]
			for x := 0; x < width; x++ {
				px := row[x*4 : x*4+4]
				px[0] = byte(x * 255 / max(width-1, 1))
				px[1] = byte(y * 255 / max(height-1, 1))
				px[2] = byte(n)
				px[3] = 255
			}
		}
	case PatternNoise:
		state := n*0x9E3779B97F4A7C15 + 1
		for i := 0; i < width*height; i++ {
			state ^= state << 13
			state ^= state >> 7
			state ^= state << 17
			v := byte(state)
			dst[i*4], dst[i*4+1], dst[i*4+2], dst[i*4+3] = v, v, v, 255
		}
	default:
		shift := int(n % uint64(width))
		for y := 0; y < height; y++ {
			row := dst[y*width*4:]
			for x := 0; x < width; x++ {
				c := barColors[((x+shift)%width)*len(barColors)/width]
				row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = c[0], c[1], c[2], 255
			}
		}
	}
}
