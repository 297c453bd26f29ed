// Package capability defines the external model-backed operations the
// pipeline depends on. Implementations live under internal/.
package capability

import (
	"context"
	"image"
)

// Describer describes an image using a vision capable model.
type Describer interface {
	// Name identifies the backend and model, e.g. "openai:meta/llama-3.2-11b-vision-instruct".
	Name() string

	// DescribeImage answers question about the image. The image data is the
	// full contents of an encoded image file, format is its short format name
	// ("png", "jpeg", ...). The provided ctx bounds the request.
	DescribeImage(ctx context.Context, image []byte, format, question string) (string, error)
}

// TextOptions tune a single text generation request.
type TextOptions struct {
	MaxTokens   int
	Temperature float64
}

// TextGenerator produces text from a prompt.
type TextGenerator interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts TextOptions) (string, error)
}

// RenderConfig is the fixed configuration passed with every image request.
type RenderConfig struct {
	Width    int
	Height   int
	Steps    int
	Guidance float64
	Seed     int64
}

// ImageGenerator renders images from text. Open acquires the named model
// exclusively; the returned session must be closed to release it.
type ImageGenerator interface {
	Name() string
	Open(ctx context.Context, model string) (ImageSession, error)
}

// ImageSession is an opened generation model.
type ImageSession interface {
	Generate(ctx context.Context, prompt string, cfg RenderConfig) (image.Image, error)
	Close() error
}
