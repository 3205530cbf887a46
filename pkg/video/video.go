// Package video extracts frames from video files with ffmpeg.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/menta2k/posture-analyzer/pkg/types"
)

// ErrOpenVideo is returned when a file has no decodable video stream
var ErrOpenVideo = errors.New("could not open video file")

// Options controls which frames are delivered
type Options struct {
	// Stride delivers every Nth frame; values below 2 deliver all frames
	Stride int
	// MaxFrames stops decoding after this many delivered frames; 0 means no limit
	MaxFrames int
	// MaxHeight scales taller videos down, keeping the aspect ratio; 0 keeps the size
	MaxHeight int
}

// Scale maps decoded frame coordinates back to source frame coordinates
type Scale struct {
	X, Y float64
}

// NoScale is the scale of frames delivered at their source size
var NoScale = Scale{X: 1, Y: 1}

// FrameFunc receives each delivered frame with its 1-based position in the file and the
// scale from decoded to source pixels
type FrameFunc func(index int, img image.Image, scale Scale) error

// Decoder runs ffprobe and ffmpeg
type Decoder struct {
	probe func(path string) (string, error)
	log   *logrus.Entry
}

// NewDecoder creates a decoder using the ffmpeg binaries on PATH
func NewDecoder() *Decoder {
	return &Decoder{
		probe: func(path string) (string, error) { return ffmpeg.Probe(path) },
		log:   logrus.WithField("component", "video"),
	}
}

// Probe reads the size, frame rate and frame count of the first video stream
func (d *Decoder) Probe(path string) (types.FrameInfo, error) {
	out, err := d.probe(path)
	if err != nil {
		return types.FrameInfo{}, fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	return parseProbe(out)
}

func parseProbe(probeJSON string) (types.FrameInfo, error) {
	if !gjson.Valid(probeJSON) {
		return types.FrameInfo{}, fmt.Errorf("%w: invalid ffprobe output", ErrOpenVideo)
	}

	stream := gjson.Get(probeJSON, `streams.#(codec_type=="video")`)
	if !stream.Exists() {
		return types.FrameInfo{}, fmt.Errorf("%w: no video stream", ErrOpenVideo)
	}

	info := types.FrameInfo{
		Width:  int(stream.Get("width").Int()),
		Height: int(stream.Get("height").Int()),
		FPS:    parseRate(stream.Get("avg_frame_rate").String()),
	}
	if info.FPS == 0 {
		info.FPS = parseRate(stream.Get("r_frame_rate").String())
	}
	if info.Width <= 0 || info.Height <= 0 {
		return types.FrameInfo{}, fmt.Errorf("%w: unknown frame size", ErrOpenVideo)
	}

	// ffmpeg applies the display rotation while decoding
	rotation := stream.Get("tags.rotate").Int()
	stream.Get("side_data_list").ForEach(func(_, sd gjson.Result) bool {
		if r := sd.Get("rotation"); r.Exists() {
			rotation = r.Int()
			return false
		}
		return true
	})
	if rotation%180 != 0 {
		info.Width, info.Height = info.Height, info.Width
	}

	info.FrameCount = int(stream.Get("nb_frames").Int())
	if info.FrameCount == 0 && info.FPS > 0 {
		duration := stream.Get("duration").Float()
		if duration == 0 {
			duration = gjson.Get(probeJSON, "format.duration").Float()
		}
		info.FrameCount = int(math.Round(duration * info.FPS))
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001"
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	dv, err := strconv.ParseFloat(den, 64)
	if err != nil || dv == 0 {
		return 0
	}
	return n / dv
}

// sourceScale returns the factors mapping a w x h decoded frame onto the source size
func sourceScale(info types.FrameInfo, w, h int) Scale {
	if w <= 0 || h <= 0 || (w == info.Width && h == info.Height) {
		return NoScale
	}
	return Scale{X: float64(info.Width) / float64(w), Y: float64(info.Height) / float64(h)}
}

// outputSize returns the decoded frame size after MaxHeight scaling. Widths stay even
// to match ffmpeg's scale=-2 rounding.
func outputSize(info types.FrameInfo, maxHeight int) (int, int, bool) {
	if maxHeight <= 0 || info.Height <= maxHeight {
		return info.Width, info.Height, false
	}
	w := int(math.Round(float64(info.Width)*float64(maxHeight)/float64(info.Height)/2)) * 2
	return w, maxHeight, true
}

// Frames decodes path and calls fn for every delivered frame, in order. Returning an error
// from fn stops decoding. The returned info carries the source frame size and the number
// of frames delivered.
func (d *Decoder) Frames(ctx context.Context, path string, opts Options, fn FrameFunc) (types.FrameInfo, error) {
	info, err := d.Probe(path)
	if err != nil {
		return info, err
	}

	w, h, scaled := outputSize(info, opts.MaxHeight)
	stream := ffmpeg.Input(path)
	if scaled {
		stream = stream.Filter("scale", ffmpeg.Args{strconv.Itoa(w), strconv.Itoa(h)})
	}
	cmd := stream.
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24", "loglevel": "error"}).
		Compile()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return info, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return info, fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	d.log.WithFields(logrus.Fields{
		"path":   path,
		"width":  w,
		"height": h,
		"fps":    info.FPS,
		"frames": info.FrameCount,
	}).Debug("decoding video")

	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	delivered, readErr := readFrames(stdout, w, h, sourceScale(info, w, h), opts, fn)
	if readErr != nil {
		_ = cmd.Process.Kill()
	}
	// drain so ffmpeg is not blocked on a full pipe before Wait
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return info, ctxErr
	}
	if readErr != nil && !errors.Is(readErr, errStop) {
		return info, readErr
	}
	if waitErr != nil && readErr == nil {
		if delivered == 0 {
			return info, fmt.Errorf("%w: %s", ErrOpenVideo, strings.TrimSpace(stderr.String()))
		}
		d.log.WithError(waitErr).Warnf("ffmpeg exited early: %s", strings.TrimSpace(stderr.String()))
	}
	if errors.Is(readErr, errStop) {
		info.Truncated = true
		d.log.WithFields(logrus.Fields{
			"path":       path,
			"max_frames": opts.MaxFrames,
			"frames":     info.FrameCount,
		}).Warn("frame limit reached, remaining frames not analyzed")
	}
	info.FrameCount = delivered
	return info, nil
}

// errStop ends decoding once MaxFrames is reached
var errStop = errors.New("frame limit reached")

// readFrames slices a raw rgb24 stream into images. It returns how many frames fn received.
func readFrames(r io.Reader, w, h int, scale Scale, opts Options, fn FrameFunc) (int, error) {
	stride := opts.Stride
	if stride < 1 {
		stride = 1
	}

	frameSize := w * h * 3
	buf := make([]byte, frameSize)
	delivered := 0
	for index := 1; ; index++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return delivered, nil
			}
			return delivered, fmt.Errorf("failed to read frame %d: %w", index, err)
		}
		if (index-1)%stride != 0 {
			continue
		}

		if err := fn(index, rgbToImage(buf, w, h), scale); err != nil {
			return delivered, err
		}
		delivered++
		if opts.MaxFrames > 0 && delivered >= opts.MaxFrames {
			return delivered, errStop
		}
	}
}

// rgbToImage copies packed rgb24 pixels into a new opaque image
func rgbToImage(rgb []byte, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(rgb) && j < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
