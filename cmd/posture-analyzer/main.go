package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	postureanalyzer "github.com/menta2k/posture-analyzer"
	"github.com/menta2k/posture-analyzer/internal/config"
	"github.com/menta2k/posture-analyzer/internal/logging"
	"github.com/menta2k/posture-analyzer/internal/utils"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// report is printed for every analyzed file
type report struct {
	File     string           `json:"file"`
	Info     *types.FrameInfo `json:"info,omitempty"`
	Feedback interface{}      `json:"feedback"`
	Overlay  string           `json:"overlay,omitempty"`
}

func main() {
	var in, mode, configPath string
	var backend, model, url, serverURL string
	var outDir, ext string
	var quality, stride, maxFrames int
	var overlay, lossless, debug bool

	flag.StringVar(&in, "in", "", "input image or video, or a directory of them")
	flag.StringVar(&mode, "mode", "frame", "video result: frame (per-frame feedback) or summary")
	flag.StringVar(&configPath, "config", "", "JSON config file (default: ~/.config/posture-analyzer/config.json if present)")

	flag.StringVar(&backend, "backend", "", "pose estimator: onnx|landmark|vlm (overrides config)")
	flag.StringVar(&model, "model", "", "ONNX model path, or model name for the vlm backend")
	flag.StringVar(&url, "url", "", "vision model server URL for the vlm backend")
	flag.StringVar(&serverURL, "server", "", "post inputs to a running posture-server instead of analyzing locally")

	flag.BoolVar(&overlay, "overlay", false, "write annotated copies of image inputs")
	flag.StringVar(&outDir, "out", "", "output directory for overlays (default from config)")
	flag.StringVar(&ext, "ext", "", "overlay format: jpg|png|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP overlay quality (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP overlay lossless mode")

	flag.IntVar(&stride, "stride", 0, "analyze every Nth video frame")
	flag.IntVar(&maxFrames, "maxframes", 0, "stop after this many video frames")
	flag.BoolVar(&debug, "debug", false, "log per-frame measurements")

	flag.Parse()
	if in == "" {
		log.Fatalf("usage: %s -in squat.mp4|frame.jpg|dir [-mode frame|summary] [-backend onnx|landmark|vlm] [-model path] [-overlay] [-server http://localhost:8000]", filepath.Base(os.Args[0]))
	}

	cfg := loadConfig(configPath)
	if backend != "" {
		cfg.Estimator.Backend = backend
	}
	if model != "" {
		if cfg.Estimator.Backend == config.BackendVLM {
			cfg.Estimator.VLM.Model = model
		} else {
			cfg.Estimator.ONNX.ModelPath = model
		}
	}
	if url != "" {
		cfg.Estimator.VLM.URL = url
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if ext != "" {
		cfg.Output.DefaultFormat = strings.ToLower(ext)
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if stride > 0 {
		cfg.Video.Stride = stride
	}
	if maxFrames > 0 {
		cfg.Video.MaxFrames = maxFrames
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		log.Fatal(err)
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		files, err := utils.ListMediaFiles(in)
		if err != nil {
			log.Fatal(err)
		}
		if len(files) == 0 {
			log.Fatalf("no images or videos found in %s", in)
		}
		inputs = files
	}

	m := analyzer.ParseMode(mode)
	var reports []report
	if serverURL != "" {
		reports = analyzeRemote(serverURL, inputs, m)
	} else {
		reports = analyzeLocal(cfg, inputs, m, overlay, lossless)
	}

	js, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(js))
}

func loadConfig(path string) *config.Config {
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.ApplyEnv()
	return cfg
}

func analyzeLocal(cfg *config.Config, inputs []string, mode analyzer.Mode, overlay, lossless bool) []report {
	pa, err := postureanalyzer.New(cfg)
	if err != nil {
		log.Fatalf("Failed to load pose estimator: %v", err)
	}
	defer pa.Close()

	if overlay {
		if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
			log.Fatal(err)
		}
	}

	ctx := context.Background()
	var reports []report
	for _, path := range inputs {
		start := time.Now()
		res, err := pa.AnalyzeFile(ctx, path, mode)
		if err != nil {
			log.Errorf("%s: %v", path, err)
			continue
		}
		info := res.Info
		r := report{File: path, Info: &info, Feedback: res.Payload()}

		if overlay && utils.IsImageFile(path) {
			out, err := writeOverlay(ctx, pa, cfg, path, lossless)
			if err != nil {
				log.Errorf("%s: overlay failed: %v", path, err)
			} else {
				r.Overlay = out
			}
		}

		log.WithFields(log.Fields{"file": path, "took": time.Since(start).Round(time.Millisecond)}).Info("analyzed")
		reports = append(reports, r)
	}
	return reports
}

func writeOverlay(ctx context.Context, pa *postureanalyzer.PostureAnalyzer, cfg *config.Config, path string, lossless bool) (string, error) {
	img, err := pa.LoadImage(path)
	if err != nil {
		return "", err
	}
	annotated, _, err := pa.AnnotateImage(ctx, img)
	if err != nil {
		return "", err
	}

	out := utils.GenerateOutputFilename(path, cfg.Output.OutputDir, "", cfg.Output.Suffix, cfg.Output.DefaultFormat)
	err = pa.SaveImage(annotated, types.OverlayOptions{
		OutputPath: out,
		Format:     cfg.Output.DefaultFormat,
		Quality:    cfg.Output.Quality,
		Lossless:   lossless,
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func analyzeRemote(serverURL string, inputs []string, mode analyzer.Mode) []report {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(serverURL, "/")).
		SetTimeout(10 * time.Minute)

	var reports []report
	for _, path := range inputs {
		var body struct {
			Feedback json.RawMessage `json:"feedback"`
			Detail   string          `json:"detail"`
		}
		resp, err := client.R().
			SetFile("file", path).
			SetQueryParam("mode", string(mode)).
			SetResult(&body).
			SetError(&body).
			Post("/analyze")
		if err != nil {
			log.Errorf("%s: %v", path, err)
			continue
		}
		if resp.IsError() {
			log.Errorf("%s: server returned status %d: %s", path, resp.StatusCode(), body.Detail)
			continue
		}
		reports = append(reports, report{File: path, Feedback: body.Feedback})
	}
	return reports
}
