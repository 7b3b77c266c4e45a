package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDependencyRef(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    DependencyRef
		wantErr bool
	}{
		{
			name:  "bare measure name",
			token: "weight",
			want:  DependencyRef{Token: "weight", Kind: RefExact, Measure: "weight"},
		},
		{
			name:  "current modifier",
			token: "current:weight",
			want:  DependencyRef{Token: "current:weight", Kind: RefCurrent, Measure: "weight"},
		},
		{
			name:  "previous modifier",
			token: "previous:weight",
			want:  DependencyRef{Token: "previous:weight", Kind: RefPrevious, Measure: "weight"},
		},
		{
			name:  "delta modifier",
			token: "delta:weight",
			want:  DependencyRef{Token: "delta:weight", Kind: RefDelta, Measure: "weight"},
		},
		{
			name:  "rolling average",
			token: "avg30:weight",
			want:  DependencyRef{Token: "avg30:weight", Kind: RefAverage, Measure: "weight", WindowDays: 30},
		},
		{
			name:    "avg without window",
			token:   "avg:weight",
			wantErr: true,
		},
		{
			name:    "avg with zero window",
			token:   "avg0:weight",
			wantErr: true,
		},
		{
			name:    "avg with negative window",
			token:   "avg-7:weight",
			wantErr: true,
		},
		{
			name:    "unknown modifier",
			token:   "median:weight",
			wantErr: true,
		},
		{
			name:    "modifier without measure",
			token:   "current:",
			wantErr: true,
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDependencyRef(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMeasureDefinition_ParseDependencies(t *testing.T) {
	def := &MeasureDefinition{
		Name:                 "weight_trend",
		Type:                 CALCULATED,
		Formula:              "{delta:weight} / {avg30:weight}",
		DeclaredDependencies: []string{"delta:weight", "avg30:weight"},
	}

	require.NoError(t, def.ParseDependencies())
	require.Len(t, def.Dependencies, 2)
	assert.Equal(t, RefDelta, def.Dependencies[0].Kind)
	assert.Equal(t, RefAverage, def.Dependencies[1].Kind)
	assert.Equal(t, 30, def.Dependencies[1].WindowDays)

	assert.True(t, def.DependsOn("weight"))
	assert.False(t, def.DependsOn("height"))
}

func TestMeasureDefinition_ParseDependencies_Invalid(t *testing.T) {
	def := &MeasureDefinition{
		Name:                 "broken",
		Type:                 CALCULATED,
		DeclaredDependencies: []string{"weight", "median:weight"},
	}

	err := def.ParseDependencies()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "median:weight")
}

func TestMeasureType_IsValid(t *testing.T) {
	assert.True(t, NUMERIC.IsValid())
	assert.True(t, CALCULATED.IsValid())
	assert.False(t, MeasureType("derived").IsValid())
}
