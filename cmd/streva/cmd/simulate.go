package cmd

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/streva/streva/internal/config"
	"github.com/streva/streva/internal/drm"
	"github.com/streva/streva/internal/media"
	"github.com/streva/streva/internal/mse"
	strevanet "github.com/streva/streva/internal/net"
	"github.com/streva/streva/internal/observability"
	"github.com/streva/streva/internal/registry"
	"github.com/streva/streva/internal/streaming"
	"github.com/streva/streva/pkg/format"
)

var (
	simDuration    float64
	simSegDuration float64
	simBandwidth   float64
	simSpeed       float64
	simLowLatency  bool
	simEncrypted   bool
	simTimeout     time.Duration
)

// simManifestURI locates the synthetic presentation; its extension selects
// the source builder from the registry.
const simManifestURI = "sim://presentation/main.sim"

// simulateCmd drives the streaming engine against a synthetic presentation:
// a static timeline, generated segment indexes, a scripted fetcher standing
// in for the network, and in-memory buffer sinks. Playback is modeled by a
// clock that advances only through buffered content, so stalls and pacing
// are observable in the logs.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Stream a synthetic presentation to end of stream",
	Long: `Simulate streams a generated VOD presentation through the full
engine stack: segment scheduling, cross-type pacing, fetching, appending,
and eviction, all against in-memory buffer sinks. It runs until every
content type reaches the end of the stream, then prints buffer statistics.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Float64Var(&simDuration, "duration", 60, "presentation duration in seconds")
	simulateCmd.Flags().Float64Var(&simSegDuration, "segment-duration", 4, "segment duration in seconds")
	simulateCmd.Flags().Float64Var(&simBandwidth, "bandwidth", 5_000_000, "simulated network bandwidth in bits per second")
	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 20, "simulation speed relative to real time")
	simulateCmd.Flags().BoolVar(&simLowLatency, "low-latency", false, "enable chunked low-latency appends")
	simulateCmd.Flags().BoolVar(&simEncrypted, "encrypted", false, "encrypt segments and run the DRM session lifecycle")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", time.Minute, "abort the simulation after this wall-clock time")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if simSegDuration <= 0 || simDuration <= simSegDuration {
		return fmt.Errorf("duration must exceed segment-duration and both must be positive")
	}

	logger := slog.Default()
	ctx, cancel := context.WithTimeout(cmd.Context(), simTimeout)
	defer cancel()
	done := observability.TimedOperation(ctx, logger, "simulate")
	defer done()

	fetcher := newSimFetcher(simBandwidth, simSpeed)

	// The presentation source is resolved the way a host picks a manifest
	// parser: by URI, through an explicit registry.
	sources := registry.New[func(*simFetcher) (*media.Manifest, *media.Variant)]()
	sources.RegisterExtension("sim", buildSimPresentation)
	sources.RegisterMimeType("application/x-sim", buildSimPresentation)
	build, ok := sources.ForURI(simManifestURI)
	if !ok {
		return fmt.Errorf("no presentation source registered for %s", simManifestURI)
	}
	manifest, variant := build(fetcher)

	var cdm *simCDM
	var drmEngine *drm.Engine
	if simEncrypted {
		cdm = newSimCDM()
		drmCfg := cfg.DRM.EngineConfig()
		drmCfg.Servers = map[string]string{simKeySystem: "sim://license"}
		drmEngine = drm.NewEngine(drmCfg, cdm, cdm, logger)
		defer drmEngine.Destroy()
		drmEngine.OnError = func(err error) {
			logger.Error("drm failure", slog.String("error", err.Error()))
		}
		if err := drmEngine.Init(drm.CommonDrmInfos(variant.Audio.DrmInfos, variant.Video.DrmInfos)); err != nil {
			return fmt.Errorf("initializing drm: %w", err)
		}
		for _, s := range []*media.Stream{variant.Audio, variant.Video} {
			for _, info := range s.DrmInfos {
				for _, rec := range info.InitData {
					if err := drmEngine.NewSession(ctx, rec.Type, rec.Data); err != nil {
						return fmt.Errorf("creating drm session: %w", err)
					}
				}
			}
		}
	}

	sinks := map[media.ContentType]*mse.MemorySink{
		media.ContentTypeAudio: mse.NewMemorySink(),
		media.ContentTypeVideo: mse.NewMemorySink(),
	}
	bufferSinks := make(map[media.ContentType]mse.BufferSink, len(sinks))
	for ct, sink := range sinks {
		sink.Quota = cfg.Buffer.Quota.Bytes()
		bufferSinks[ct] = sink
	}
	buffer := mse.NewEngine(bufferSinks, logger)
	defer buffer.Destroy()

	engineCfg := cfg.EngineConfig()
	if cmd.Flags().Changed("low-latency") {
		engineCfg.LowLatencyMode = simLowLatency
	}

	var clock playbackClock
	engine := streaming.NewEngine(engineCfg, fetcher, buffer, clock.Now, logger)
	defer engine.Destroy()

	var appended atomic.Int64
	engine.OnSegmentAppended = func(ct media.ContentType, ref *media.SegmentReference) {
		appended.Add(1)
	}
	fatal := make(chan error, 1)
	engine.OnError = func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	if err := engine.Start(manifest, variant, nil); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if drmEngine != nil {
		drmEngine.PlaybackStarted()
	}

	// Playback loop: the clock advances at the configured speed, but never
	// past the buffered region, so an empty buffer models a stall.
	start := time.Now()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	last := start
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulation timed out after %s", simTimeout)
		case err := <-fatal:
			return fmt.Errorf("streaming failed: %w", err)
		case now := <-tick.C:
			dt := now.Sub(last).Seconds() * simSpeed
			last = now
			clock.Advance(dt, bufferedEnd(buffer), simDuration)
		}

		if engine.Phase(media.ContentTypeAudio) == streaming.PhaseEnded &&
			engine.Phase(media.ContentTypeVideo) == streaming.PhaseEnded &&
			sinks[media.ContentTypeAudio].IsEnded() {
			break
		}
	}

	fmt.Printf("Simulated %.0fs of content in %s (%.1fx)\n",
		simDuration, time.Since(start).Round(time.Millisecond), simSpeed)
	fmt.Printf("Segments appended: %s\n\n", format.Number(appended.Load()))
	fmt.Printf("%-8s %10s %12s %8s %8s\n", "TYPE", "APPENDS", "BYTES", "INITS", "RANGES")
	for _, ct := range []media.ContentType{media.ContentTypeAudio, media.ContentTypeVideo} {
		sink := sinks[ct]
		fmt.Printf("%-8s %10d %12s %8d %8d\n",
			ct, sink.Appends(), format.Bytes(sink.Bytes()), sink.InitAppends(), len(sink.BufferedRanges()))
	}
	if drmEngine != nil {
		fmt.Printf("\nDRM: %s, %d session(s), %d license exchange(s), all keys usable: %v\n",
			drmEngine.KeySystem(), len(drmEngine.SessionStates()), cdm.Posts(), drmEngine.AreAllKeysUsable())
	}
	return nil
}

// buildSimPresentation assembles the synthetic VOD presentation and registers
// its payloads with the fetcher.
func buildSimPresentation(f *simFetcher) (*media.Manifest, *media.Variant) {
	audio := buildSimStream(f, media.ContentTypeAudio, "audio-main", 128_000)
	video := buildSimStream(f, media.ContentTypeVideo, "video-main", int64(simBandwidth*0.8))

	timeline := media.NewPresentationTimeline(0, 0, true)
	timeline.SetDuration(simDuration)
	timeline.NotifyMaxSegmentDuration(simSegDuration)
	variant := &media.Variant{
		ID:        "sim",
		Audio:     audio,
		Video:     video,
		Bandwidth: audio.Bandwidth + video.Bandwidth,
	}
	manifest := &media.Manifest{
		Timeline: timeline,
		Variants: []*media.Variant{variant},
	}
	return manifest, variant
}

// bufferedEnd returns the earliest buffer end across the media types; the
// playhead cannot move past content that is not buffered everywhere.
func bufferedEnd(buffer *mse.Engine) float64 {
	end := math.Inf(1)
	for _, ct := range []media.ContentType{media.ContentTypeAudio, media.ContentTypeVideo} {
		if e := buffer.BufferEnd(ct); e < end {
			end = e
		}
	}
	if math.IsInf(end, 1) {
		return 0
	}
	return end
}

// playbackClock is the simulated playhead.
type playbackClock struct {
	bits atomic.Uint64
}

func (c *playbackClock) Now() float64 {
	return math.Float64frombits(c.bits.Load())
}

// Advance moves the playhead by dt seconds, clamped to the buffered region
// and the presentation duration.
func (c *playbackClock) Advance(dt, bufferedEnd, duration float64) {
	pos := c.Now() + dt
	if pos > bufferedEnd {
		pos = bufferedEnd
	}
	if pos > duration {
		pos = duration
	}
	if pos > c.Now() {
		c.bits.Store(math.Float64bits(pos))
	}
}

// buildSimStream generates a stream whose segment index covers the whole
// presentation and registers its synthetic payloads with the fetcher.
func buildSimStream(f *simFetcher, ct media.ContentType, id string, bandwidth int64) *media.Stream {
	mimeType := "video/mp4"
	codecs := "avc1.640028"
	if ct == media.ContentTypeAudio {
		mimeType = "audio/mp4"
		codecs = "mp4a.40.2"
	}

	initURI := fmt.Sprintf("sim://%s/init.mp4", id)
	f.register(initURI, simBox("ftyp", 112))
	init := media.NewInitSegmentReference([]string{initURI}, 0, nil)

	// Media segments are AES-128 encrypted in encrypted mode; init segments
	// stay clear.
	var aesKey []byte
	var keyURI string
	if simEncrypted {
		sum := sha256.Sum256([]byte(id))
		aesKey = sum[:16]
		keyURI = fmt.Sprintf("sim://%s/key.bin", id)
		f.register(keyURI, aesKey)
	}

	count := int(math.Ceil(simDuration / simSegDuration))
	refs := make([]*media.SegmentReference, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * simSegDuration
		end := math.Min(start+simSegDuration, simDuration)
		uri := fmt.Sprintf("sim://%s/segment-%d.m4s", id, i)
		payload := int(float64(bandwidth) * (end - start) / 8)
		data := simBox("mdat", payload)
		if simEncrypted {
			data = simEncryptSegment(data, aesKey, uint64(i))
		}
		f.register(uri, data)
		ref, err := media.NewSegmentReference(
			start, end, []string{uri}, 0, nil, init, 0, 0, math.Inf(1))
		if err != nil {
			panic(err)
		}
		if simEncrypted {
			ref.SetKey(&media.SegmentKey{
				Method:         "aes-128",
				KeyURIs:        []string{keyURI},
				SequenceNumber: uint64(i),
			})
		}
		refs = append(refs, ref)
	}

	s := &media.Stream{
		ID:           id,
		Type:         ct,
		MimeType:     mimeType,
		Codecs:       codecs,
		Bandwidth:    bandwidth,
		SegmentIndex: media.NewSegmentIndex(refs),
	}
	s.CreateSegmentIndex = func() error { return nil }
	if simEncrypted {
		s.Encrypted = true
		s.DrmInfos = []media.DrmInfo{{
			KeySystem: simKeySystem,
			InitData:  []media.InitDataRecord{{Type: "cenc", Data: []byte(id)}},
		}}
	}
	return s
}

// simEncryptSegment applies AES-128-CBC full-segment encryption with PKCS#7
// padding and an IV derived from the media sequence number.
func simEncryptSegment(data, key []byte, sequence uint64) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	pad := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// simBox builds one complete MP4 box of the given type with a deterministic
// payload, so the low-latency box scanner sees well-formed input.
func simBox(boxType string, payloadLen int) []byte {
	if payloadLen < 0 {
		payloadLen = 0
	}
	data := make([]byte, 8+payloadLen)
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)))
	copy(data[4:8], boxType)
	for i := 8; i < len(data); i++ {
		data[i] = byte(i)
	}
	return data
}

// simFetcher serves registered payloads with a transfer delay derived from
// the simulated bandwidth, compressed by the simulation speed.
type simFetcher struct {
	bandwidth float64
	speed     float64
	payloads  map[string][]byte
}

func newSimFetcher(bandwidth, speed float64) *simFetcher {
	return &simFetcher{
		bandwidth: bandwidth,
		speed:     speed,
		payloads:  make(map[string][]byte),
	}
}

func (f *simFetcher) register(uri string, data []byte) {
	f.payloads[uri] = data
}

func (f *simFetcher) BandwidthEstimate() float64 { return f.bandwidth }

func (f *simFetcher) Fetch(ctx context.Context, typ strevanet.RequestType, req strevanet.Request) streaming.PendingFetch {
	op := &simPending{
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
	go func() {
		defer close(op.done)
		uri := ""
		if len(req.URIs) > 0 {
			uri = req.URIs[0]
		}
		data, ok := f.payloads[uri]
		if !ok {
			op.err = media.NewError(media.SeverityRecoverable, media.CategoryNetwork,
				media.CodeSegmentMissing, nil).WithData("uri", uri)
			return
		}

		delay := time.Duration(float64(len(data)*8) / f.bandwidth / f.speed * float64(time.Second))
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			op.err = ctx.Err()
			return
		case <-op.aborted:
			op.err = media.NewError(media.SeverityRecoverable, media.CategoryNetwork,
				media.CodeOperationAborted, nil)
			return
		case <-timer.C:
		}

		if req.OnChunk != nil {
			req.OnChunk(data)
		}
		op.received.Store(int64(len(data)))
		op.resp = &strevanet.Response{Data: data, URI: uri, Duration: delay}
	}()
	return op
}

type simPending struct {
	done     chan struct{}
	aborted  chan struct{}
	stopped  atomic.Bool
	received atomic.Int64
	resp     *strevanet.Response
	err      error
}

func (p *simPending) Wait(ctx context.Context) (*strevanet.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}

func (p *simPending) Abort() {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.aborted)
	}
}

func (p *simPending) BytesReceived() int64 { return p.received.Load() }
