package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"vrwkv/internal/logger"
	"vrwkv/internal/model"
	"vrwkv/internal/rwkv"
	"vrwkv/internal/vision"
)

// buildModel constructs the system from the flag variables and restores
// the checkpoint when one was given.
func buildModel(log logger.Logger) (*model.VisualRWKV, error) {
	backbone := &vision.Dummy{Dim: int(visionDim), Side: int(visionSide)}
	m, err := model.New(model.Config{
		Model: rwkv.Config{
			VocabSize: int(vocabSize),
			NEmbd:     int(nEmbd),
			NLayer:    int(nLayer),
			HeadSize:  int(headSize),
			CtxLen:    int(ctxLen),
		},
		GridSize:      int(gridSize),
		ImageScanning: imageScanning,
	}, backbone, log)
	if err != nil {
		return nil, err
	}
	if modelPath != "" {
		if err := m.Load(modelPath); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseTokens(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", p)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token ids given")
	}
	return out, nil
}

// loadImage reads an image payload from a JSON file: channels, height,
// width and the flat CHW pixel array.
func loadImage(path string) (*vision.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img vision.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parse image %s: %w", path, err)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return &img, nil
}

func generateCmd() *cli.Command {
	var (
		tokensArg    string
		imagePath    string
		maxNewTokens int64
		stopToken    int64
	)
	return &cli.Command{
		Name:  "generate",
		Usage: "Greedily decode a continuation for a token sequence",
		Flags: append(append(commonFlags(), modelFlags()...),
			&cli.StringFlag{
				Name:        "tokens",
				Usage:       "comma-separated token ids; -200 marks the image position",
				Required:    true,
				Destination: &tokensArg,
			},
			&cli.StringFlag{
				Name:        "image",
				Usage:       "path to a JSON image payload",
				Destination: &imagePath,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "maximum tokens to generate",
				Value:       128,
				Destination: &maxNewTokens,
			},
			&cli.Int64Flag{
				Name:        "stop-token",
				Usage:       "token id that ends generation",
				Value:       -1,
				Destination: &stopToken,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig())
			log := buildLogger()

			prompt, err := parseTokens(tokensArg)
			if err != nil {
				return err
			}
			var img *vision.Image
			if imagePath != "" {
				if img, err = loadImage(imagePath); err != nil {
					return err
				}
			}

			m, err := buildModel(log)
			if err != nil {
				return err
			}
			out, err := m.Generate(ctx, prompt, img, model.GenerateOptions{
				MaxNewTokens: int(maxNewTokens),
				StopToken:    int(stopToken),
			})
			if err != nil {
				return err
			}

			ids := make([]string, len(out))
			for i, id := range out {
				ids[i] = strconv.Itoa(id)
			}
			fmt.Println(strings.Join(ids, ","))
			return nil
		},
	}
}
