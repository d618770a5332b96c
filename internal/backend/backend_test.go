package backend

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProber fails the given tiers and records the probe order.
func fakeProber(failing ...Kind) (Prober, *[]Kind) {
	probed := &[]Kind{}
	fail := map[Kind]bool{}
	for _, k := range failing {
		fail[k] = true
	}
	return func(kind Kind) error {
		*probed = append(*probed, kind)
		if fail[kind] {
			return errors.New("provider init failed")
		}
		return nil
	}, probed
}

func TestSelectFallsThroughToCPU(t *testing.T) {
	probe, probed := fakeProber(KindCUDA, KindCoreML)
	s := &Selector{Probe: probe, Logger: testLogger()}

	b, err := s.Select(PreferAuto)
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, KindCPU, b.Kind())
	assert.False(t, b.Accelerated())
	// Probe order is fixed: highest capability first.
	assert.Equal(t, []Kind{KindCUDA, KindCoreML, KindCPU}, *probed)
}

func TestSelectPicksFirstWorkingTier(t *testing.T) {
	probe, probed := fakeProber(KindCUDA)
	s := &Selector{Probe: probe, Logger: testLogger()}

	b, err := s.Select(PreferAuto)
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, KindCoreML, b.Kind())
	assert.True(t, b.Accelerated())
	assert.Equal(t, []Kind{KindCUDA, KindCoreML}, *probed)
}

func TestSelectPreferCPUSkipsGPUTiers(t *testing.T) {
	probe, probed := fakeProber()
	s := &Selector{Probe: probe, Logger: testLogger()}

	b, err := s.Select(PreferCPU)
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, KindCPU, b.Kind())
	assert.Equal(t, []Kind{KindCPU}, *probed)
}

func TestSelectAllTiersRefused(t *testing.T) {
	probe, _ := fakeProber(KindCUDA, KindCoreML, KindCPU)
	s := &Selector{Probe: probe, Logger: testLogger()}

	_, err := s.Select(PreferAuto)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnvironmentSurvivesSiblingRelease(t *testing.T) {
	probe, _ := fakeProber(KindCUDA, KindCoreML)
	s := &Selector{Probe: probe, Logger: testLogger()}

	first, err := s.Select(PreferCPU)
	require.NoError(t, err)
	second, err := s.Select(PreferCPU)
	require.NoError(t, err)

	// Releasing one backend must leave the shared runtime alive for the
	// other.
	require.NoError(t, first.Release())
	assert.Equal(t, 1, envRefs)
	require.NoError(t, second.checkUsable())

	require.NoError(t, second.Release())
	assert.Equal(t, 0, envRefs)
}

func TestReleaseIsIdempotent(t *testing.T) {
	probe, _ := fakeProber(KindCUDA, KindCoreML)
	s := &Selector{Probe: probe, Logger: testLogger()}

	b, err := s.Select(PreferAuto)
	require.NoError(t, err)

	require.NoError(t, b.Release())
	require.NoError(t, b.Release())
	assert.ErrorIs(t, b.checkUsable(), ErrReleased)
}
