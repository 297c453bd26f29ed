package main

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/chriskillpack/reimagine"
	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	missing map[string]bool
	failing map[string]bool
	after   func(path string) // called after each run

	ran []string
}

func (f *fakeRunner) Run(ctx context.Context, imagePath string, n int) (*reimagine.Result, error) {
	f.ran = append(f.ran, imagePath)
	defer func() {
		if f.after != nil {
			f.after(imagePath)
		}
	}()

	switch {
	case f.missing[imagePath]:
		return nil, fmt.Errorf("%w: %s", reimagine.ErrImageNotFound, imagePath)
	case f.failing[imagePath]:
		return nil, fmt.Errorf("store exploded")
	}
	return &reimagine.Result{Source: imagePath, Paths: make([]string, n)}, nil
}

func quietBar(n int) *progressbar.ProgressBar {
	return progressbar.NewOptions(n, progressbar.OptionSetWriter(io.Discard))
}

func TestRunBatchSkipsMissingImages(t *testing.T) {
	r := &fakeRunner{missing: map[string]bool{"gone.jpg": true}}
	images := []string{"frog.jpg", "gone.jpg", "cat.png"}

	results, err := runBatch(t.Context(), r, quietBar(len(images)*4), images, 3)
	require.NoError(t, err)
	assert.Equal(t, images, r.ran)
	require.Len(t, results, 2)
	assert.Equal(t, "frog.jpg", results[0].Source)
	assert.Equal(t, "cat.png", results[1].Source)
	assert.Len(t, results[1].Paths, 3)
}

func TestRunBatchStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	r := &fakeRunner{after: func(path string) {
		if path == "b.jpg" {
			cancel()
		}
	}}
	images := []string{"a.jpg", "b.jpg", "c.jpg"}

	results, err := runBatch(ctx, r, quietBar(len(images)*4), images, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, r.ran)
	assert.Len(t, results, 2)
}

func TestRunBatchStopsInLameDuck(t *testing.T) {
	t.Cleanup(func() { lameduck.Store(false) })
	r := &fakeRunner{after: func(string) { lameduck.Store(true) }}
	images := []string{"a.jpg", "b.jpg"}

	results, err := runBatch(t.Context(), r, quietBar(len(images)*4), images, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, r.ran)
	assert.Len(t, results, 1)
}

func TestRunBatchGivesUpAfterTooManyErrors(t *testing.T) {
	r := &fakeRunner{failing: map[string]bool{}}
	var images []string
	for i := range 7 {
		img := fmt.Sprintf("%d.jpg", i)
		images = append(images, img)
		r.failing[img] = true
	}

	results, err := runBatch(t.Context(), r, quietBar(len(images)*4), images, 1)
	assert.Error(t, err)
	assert.Empty(t, results)
	assert.Len(t, r.ran, 5)
}
