package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	postureanalyzer "github.com/menta2k/posture-analyzer"
	"github.com/menta2k/posture-analyzer/internal/config"
	"github.com/menta2k/posture-analyzer/internal/logging"
	"github.com/menta2k/posture-analyzer/internal/server"
	"github.com/menta2k/posture-analyzer/internal/utils"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/video"
)

func main() {
	parser := argparse.NewParser("posture-server", "Squat posture analysis HTTP API")
	configPath := parser.String("c", "config", &argparse.Options{Help: "JSON config file (default: ~/.config/posture-analyzer/config.json if present)"})
	addr := parser.String("a", "addr", &argparse.Options{Help: "Listen address, eg :8000"})
	backend := parser.Selector("b", "backend", []string{config.BackendONNX, config.BackendLandmark, config.BackendVLM, config.BackendNone}, &argparse.Options{Help: "Pose estimator backend"})
	model := parser.String("m", "model", &argparse.Options{Help: "ONNX model path, or model name for the vlm backend"})
	logLevel := parser.String("", "log-level", &argparse.Options{Help: "Log level: debug, info, warn, error"})
	release := parser.Flag("", "release", &argparse.Options{Help: "Run gin in release mode"})
	writeConfig := parser.String("", "write-config", &argparse.Options{Help: "Write the effective config to this path and exit"})
	if err := parser.Parse(os.Args); err != nil {
		log.Error(parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.Default()
	path := *configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Estimator.Backend = *backend
	}
	if *model != "" {
		if cfg.Estimator.Backend == config.BackendVLM {
			cfg.Estimator.VLM.Model = *model
		} else {
			cfg.Estimator.ONNX.ModelPath = *model
		}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *writeConfig != "" {
		if err := cfg.SaveToFile(*writeConfig); err != nil {
			log.Fatal(err)
		}
		log.Infof("wrote %s", *writeConfig)
		return
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		log.Fatal(err)
	}
	if *release {
		gin.SetMode(gin.ReleaseMode)
	}

	reporter, err := logging.NewReporter(cfg.Server.SentryDSN, postureanalyzer.Version)
	if err != nil {
		log.Fatal(err)
	}
	defer reporter.Close()

	// a missing model is not fatal; requests then report "AI model not loaded"
	est, err := postureanalyzer.NewEstimator(cfg.Estimator)
	if err != nil {
		log.WithError(err).Error("Failed to load pose estimator")
		reporter.Capture(err, nil, map[string]string{"backend": cfg.Estimator.Backend})
		est = nil
	} else if est != nil {
		log.WithField("estimator", est.Name()).Info("Pose estimator loaded")
		defer est.Close()
	}

	a := analyzer.NewWithConfig(est, video.NewDecoder(), postureanalyzer.AnalyzerConfig(cfg))
	srv := server.New(a, cfg.Server, reporter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("Server stopped")
		os.Exit(1)
	}
}
