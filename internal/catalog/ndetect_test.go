package catalog

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeNonDetections_UpperLimit(t *testing.T) {
	e := EncodeNonDetections([]float64{10}, []float64{-99}, nil, EncodeOptions{})
	assert.Equal(t, []float64{5}, e.Flux)
	assert.Equal(t, []float64{5}, e.FluxErr)
	assert.Equal(t, []float64{0}, e.Flag)
	assert.Equal(t, []int{0}, e.Bands)
}

func TestEncodeNonDetections_BothSentinelExcluded(t *testing.T) {
	e := EncodeNonDetections([]float64{1, -99, 3}, []float64{0.1, -99, 0.3}, nil, EncodeOptions{})
	assert.Equal(t, []float64{1, 3}, e.Flux)
	assert.Equal(t, []float64{0.1, 0.3}, e.FluxErr)
	assert.Equal(t, []int{0, 2}, e.Bands)
}

func TestEncodeNonDetections_FluxSentinelWithErrorExcluded(t *testing.T) {
	e := EncodeNonDetections([]float64{-99}, []float64{2}, nil, EncodeOptions{})
	assert.Empty(t, e.Flux)
	assert.Empty(t, e.Bands)
}

func TestEncodeNonDetections_Detection(t *testing.T) {
	e := EncodeNonDetections([]float64{10}, []float64{1}, nil, EncodeOptions{})
	assert.Equal(t, []float64{10}, e.Flux)
	assert.Equal(t, []float64{1}, e.FluxErr)
	assert.Equal(t, []float64{1}, e.Flag)
}

func TestEncodeNonDetections_ErrFluxFlex(t *testing.T) {
	e := EncodeNonDetections([]float64{10, 10}, []float64{1, -99}, nil, EncodeOptions{ErrFluxFlex: true})
	assert.InDelta(t, math.Sqrt(2), e.FluxErr[0], 1e-12)
	// upper limits are not inflated
	assert.Equal(t, 5.0, e.FluxErr[1])
}

func TestEncodeNonDetections_CatalogFlags(t *testing.T) {
	flux := []float64{10, 10, 10}
	fluxErr := []float64{1, 1, -99}
	flags := []float64{1, 0, 1}

	e := EncodeNonDetections(flux, fluxErr, flags, EncodeOptions{ErrFluxFlex: true})
	assert.Equal(t, []float64{1, 0, 0}, e.Flag)
	assert.Equal(t, []float64{10, 10, 5}, e.Flux)
	assert.Equal(t, 1.0, e.FluxErr[1], "catalog upper limit keeps its error")

	// inputs untouched
	assert.Equal(t, []float64{10, 10, 10}, flux)
	assert.Equal(t, []float64{1, 1, -99}, fluxErr)
	assert.Equal(t, []float64{1, 0, 1}, flags)
}

func TestEncodeNonDetections_BelowSentinel(t *testing.T) {
	e := EncodeNonDetections([]float64{8}, []float64{-999}, nil, EncodeOptions{})
	assert.Equal(t, []float64{0}, e.Flag)
	assert.Equal(t, []float64{4}, e.Flux)
}
