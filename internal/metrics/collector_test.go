package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fixedStats LiveStats

func (f fixedStats) LiveStats() LiveStats { return LiveStats(f) }

func TestCollectorReadsLiveStats(t *testing.T) {
	c := NewCollector(fixedStats{Recording: true, SessionBytes: 2048, SessionChunks: 3})

	expected := `
# HELP audiotrans_capture_recording 1 while a capture session is recording or finalizing.
# TYPE audiotrans_capture_recording gauge
audiotrans_capture_recording 1
# HELP audiotrans_capture_session_bytes Bytes collected by the current session.
# TYPE audiotrans_capture_session_bytes gauge
audiotrans_capture_session_bytes 2048
# HELP audiotrans_capture_session_chunks Fragments collected by the current session.
# TYPE audiotrans_capture_session_chunks gauge
audiotrans_capture_session_chunks 3
# HELP audiotrans_transcription_in_progress 1 while a transcription request is running.
# TYPE audiotrans_transcription_in_progress gauge
audiotrans_transcription_in_progress 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestCollectorNilSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(nil)))
	require.Equal(t, 4, testutil.CollectAndCount(NewCollector(nil)))
}
