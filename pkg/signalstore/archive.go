package signalstore

import (
	"encoding/json"
	"time"

	"github.com/pulsegate/controlplane/pkg/reservoir"
)

// ArchiveEntry is one compacted hourly rollup for a key, matching the
// signals_archive table: hour_bucket, key, n_success, n_error,
// latency_reservoir_blob, rpm_total.
type ArchiveEntry struct {
	Key             Key
	HourBucket      time.Time
	NSuccess        int64
	NError          int64
	LatencyReservoir json.RawMessage
	RPMTotal        int64
}

// compactHour reduces a slice of signals covering (approximately) one hour
// into an ArchiveEntry. The reservoir blob retains up to reservoir.DefaultSize
// samples so percentile merges across hours (Analytics API) stay bounded.
func compactHour(key Key, hourBucket time.Time, signals []Signal) ArchiveEntry {
	sampler := reservoir.New(reservoir.DefaultSize)
	var nSuccess, nError int64

	for _, s := range signals {
		sampler.Add(s.LatencyMS)
		if s.Status == StatusSuccess {
			nSuccess++
		} else {
			nError++
		}
	}

	blob, _ := json.Marshal(sampler.Snapshot())

	return ArchiveEntry{
		Key:              key,
		HourBucket:       hourBucket.Truncate(time.Hour),
		NSuccess:         nSuccess,
		NError:           nError,
		LatencyReservoir: blob,
		RPMTotal:         int64(len(signals)),
	}
}
