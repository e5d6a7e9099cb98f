package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"vrwkv/internal/logger"
)

var (
	modelPath     string
	logLevel      string
	logFormat     string
	vocabSize     int64
	nEmbd         int64
	nLayer        int64
	headSize      int64
	ctxLen        int64
	gridSize      int64
	imageScanning string
	visionDim     int64
	visionSide    int64
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .safetensors checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab-size",
			Usage:       "vocabulary size",
			Value:       65536,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "n-embd",
			Usage:       "embedding width",
			Value:       2048,
			Destination: &nEmbd,
		},
		&cli.Int64Flag{
			Name:        "n-layer",
			Usage:       "trunk depth",
			Value:       24,
			Destination: &nLayer,
		},
		&cli.Int64Flag{
			Name:        "head-size",
			Usage:       "channels per attention head",
			Value:       64,
			Destination: &headSize,
		},
		&cli.Int64Flag{
			Name:        "ctx-len",
			Aliases:     []string{"ctx", "c"},
			Usage:       "context window length",
			Value:       2048,
			Destination: &ctxLen,
		},
		&cli.Int64Flag{
			Name:        "grid-size",
			Usage:       "image pooling: -1 all patches, 0 cls only, 1 global, g>=2 pooled grid",
			Value:       -1,
			Destination: &gridSize,
		},
		&cli.StringFlag{
			Name:        "image-scanning",
			Aliases:     []string{"scan"},
			Usage:       "image span scan strategy",
			Value:       "unidirection",
			Destination: &imageScanning,
		},
		&cli.Int64Flag{
			Name:        "vision-dim",
			Usage:       "vision backbone feature width",
			Value:       1024,
			Destination: &visionDim,
		},
		&cli.Int64Flag{
			Name:        "vision-side",
			Usage:       "vision backbone patch grid side",
			Value:       16,
			Destination: &visionSide,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}
