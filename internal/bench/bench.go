// Package bench drives concurrent synthesis load against a worker pool and
// reports latency and realtime factor.
package bench

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Stream is one synthesis output being read.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Synthesize starts one request. Output is expected to be WAV.
type Synthesize func(ctx context.Context) (Stream, error)

// Options configures Run.
type Options struct {
	Runs int
	// Concurrency is how many requests are in flight at once.
	Concurrency int
}

// RunResult holds the timing and audio metadata for a single request.
type RunResult struct {
	Index int
	// Cold marks the first request of each concurrent slot.
	Cold       bool
	Duration   time.Duration
	FirstChunk time.Duration
	Audio      time.Duration
	Bytes      int
	RTF        float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P95  time.Duration
	// Wall is the time from the first start to the last finish.
	Wall time.Duration
	// Throughput is seconds of audio produced per wall-clock second.
	Throughput float64
}

// Run issues opts.Runs requests, opts.Concurrency at a time, and returns the
// results ordered by index. The first failed request cancels the rest.
func Run(ctx context.Context, synth Synthesize, opts Options) ([]RunResult, time.Duration, error) {
	if opts.Runs < 1 {
		return nil, 0, errors.New("runs must be at least 1")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	var mu sync.Mutex
	results := make([]RunResult, 0, opts.Runs)

	p := pool.New().WithMaxGoroutines(opts.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	start := time.Now()
	for i := range opts.Runs {
		p.Go(func(ctx context.Context) error {
			r, err := runOne(ctx, synth, i)
			if err != nil {
				return fmt.Errorf("run %d failed: %w", i+1, err)
			}
			r.Cold = i < opts.Concurrency

			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()
	wall := time.Since(start)
	if err != nil {
		return nil, wall, err
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })

	return results, wall, nil
}

func runOne(ctx context.Context, synth Synthesize, index int) (RunResult, error) {
	start := time.Now()
	st, err := synth(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer st.Close()

	var (
		data  []byte
		first time.Duration
	)
	for {
		chunk, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return RunResult{}, err
		}
		if first == 0 {
			first = time.Since(start)
		}
		data = append(data, chunk...)
	}
	dur := time.Since(start)

	audioDur, err := WAVDuration(data)
	if err != nil {
		return RunResult{}, err
	}

	return RunResult{
		Index:      index,
		Duration:   dur,
		FirstChunk: first,
		Audio:      audioDur,
		Bytes:      len(data),
		RTF:        CalcRTF(dur, audioDur),
	}, nil
}

// ComputeStats aggregates runs. wall is the elapsed time of the whole batch.
func ComputeStats(runs []RunResult, wall time.Duration) Stats {
	if len(runs) == 0 {
		return Stats{}
	}

	durations := make([]time.Duration, len(runs))
	var sum, audioSum time.Duration
	for i, r := range runs {
		durations[i] = r.Duration
		sum += r.Duration
		audioSum += r.Audio
	}
	sort.Slice(durations, func(a, b int) bool { return durations[a] < durations[b] })

	s := Stats{
		Min:  durations[0],
		Max:  durations[len(durations)-1],
		Mean: sum / time.Duration(len(durations)),
		P95:  durations[(len(durations)*95+99)/100-1],
		Wall: wall,
	}
	if wall > 0 {
		s.Throughput = audioSum.Seconds() / wall.Seconds()
	}

	return s
}

// MeanRTF averages the realtime factor over runs.
func MeanRTF(runs []RunResult) float64 {
	if len(runs) == 0 {
		return 0
	}
	var total float64
	for _, r := range runs {
		total += r.RTF
	}

	return total / float64(len(runs))
}

// CalcRTF returns synthesis_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// streamingSize is the chunk size written by a WAV header whose length was
// unknown when it was sent.
const streamingSize = 0xFFFFFFFF

// WAVDuration returns the playback duration of a PCM WAV payload. A data
// chunk with the streaming size runs to the end of the payload.
func WAVDuration(wav []byte) (time.Duration, error) {
	if len(wav) < 44 {
		return 0, fmt.Errorf("wav too short (%d bytes)", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		sampleRate, blockAlign int64
		dataSize               int64 = -1
	)
	pos := 12
	for pos+8 <= len(wav) {
		chunkID := string(wav[pos : pos+4])
		size := binary.LittleEndian.Uint32(wav[pos+4 : pos+8])
		switch chunkID {
		case "fmt ":
			if pos+8+16 > len(wav) {
				return 0, fmt.Errorf("fmt chunk too short")
			}
			sampleRate = int64(binary.LittleEndian.Uint32(wav[pos+8+4 : pos+8+8]))
			blockAlign = int64(binary.LittleEndian.Uint16(wav[pos+8+12 : pos+8+14]))
		case "data":
			dataSize = int64(size)
			if size == streamingSize || int64(pos+8)+dataSize > int64(len(wav)) {
				dataSize = int64(len(wav) - pos - 8)
			}
		}
		if chunkID == "data" || size == streamingSize {
			break
		}
		pos += 8 + int(size)
		if size%2 != 0 {
			pos++ // RIFF pad byte
		}
	}

	if sampleRate == 0 && blockAlign == 0 {
		return 0, fmt.Errorf("fmt chunk not found")
	}
	if sampleRate == 0 || blockAlign == 0 {
		return 0, fmt.Errorf("invalid fmt chunk: sampleRate=%d blockAlign=%d", sampleRate, blockAlign)
	}
	if dataSize < 0 {
		return 0, fmt.Errorf("data chunk not found")
	}

	numSamples := dataSize / blockAlign
	return time.Duration(numSamples * int64(time.Second) / sampleRate), nil
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %12s  %8s\n", "Run", "Cold", "MS", "First(ms)", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 60))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %10.1f  %12.1f  %8.3f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			ms(r.FirstChunk),
			ms(r.Audio),
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 60))
	fmt.Fprintf(sb, "min %.1f ms  mean %.1f ms  p95 %.1f ms  max %.1f ms\n",
		ms(stats.Min), ms(stats.Mean), ms(stats.P95), ms(stats.Max))
	fmt.Fprintf(sb, "wall %.1f ms  throughput %.2fx realtime\n", ms(stats.Wall), stats.Throughput)

	fmt.Fprint(w, sb.String())
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index        int     `json:"index"`
	Cold         bool    `json:"cold"`
	DurationMS   float64 `json:"duration_ms"`
	FirstChunkMS float64 `json:"first_chunk_ms"`
	AudioMS      float64 `json:"audio_ms"`
	Bytes        int     `json:"bytes"`
	RTF          float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS      float64 `json:"min_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	WallMS     float64 `json:"wall_ms"`
	Throughput float64 `json:"throughput"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:      ms(stats.Min),
			MeanMS:     ms(stats.Mean),
			P95MS:      ms(stats.P95),
			MaxMS:      ms(stats.Max),
			WallMS:     ms(stats.Wall),
			Throughput: stats.Throughput,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:        r.Index,
			Cold:         r.Cold,
			DurationMS:   ms(r.Duration),
			FirstChunkMS: ms(r.FirstChunk),
			AudioMS:      ms(r.Audio),
			Bytes:        r.Bytes,
			RTF:          r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
