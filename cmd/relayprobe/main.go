package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/antoniostano/voicerelay/internal/audio"
	"github.com/antoniostano/voicerelay/internal/protocol"
)

type options struct {
	baseURL  string
	preset   string
	wavPath  string
	outPath  string
	chunkMS  int
	realtime float64
	greeting bool
	timeout  time.Duration
	verbose  bool
}

type report struct {
	SessionID       string `json:"session_id"`
	Preset          string `json:"preset,omitempty"`
	ConnectedMS     int64  `json:"connected_ms"`
	EstablishedMS   int64  `json:"established_ms"`
	GreetingAudioMS int64  `json:"greeting_first_audio_ms,omitempty"`
	GreetingDoneMS  int64  `json:"greeting_done_ms,omitempty"`
	TurnAudioMS     int64  `json:"turn_first_audio_ms,omitempty"`
	TurnDoneMS      int64  `json:"turn_done_ms,omitempty"`
	AudioChunks     int    `json:"audio_chunks"`
}

type event struct {
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"session_id,omitempty"`
	Data      string               `json:"data,omitempty"`
	Message   string               `json:"message,omitempty"`
	Role      string               `json:"role,omitempty"`
	Text      string               `json:"text,omitempty"`
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("relayprobe", pflag.ContinueOnError)
	fs.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "voicerelay base URL")
	fs.StringVar(&opts.preset, "preset", "", "session preset (server default when empty)")
	fs.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file streamed as one user turn (optional)")
	fs.StringVar(&opts.outPath, "out", "", "write received assistant audio to this WAV file (optional)")
	fs.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&opts.greeting, "greeting", true, "wait for the greeting response before the user turn")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall probe timeout")
	fs.BoolVar(&opts.verbose, "verbose", false, "print progress to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if opts.chunkMS < 10 || opts.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if opts.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("timeout must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	var clip []byte
	sampleRate := audio.RealtimeSampleRate
	if opts.wavPath != "" {
		data, err := os.ReadFile(opts.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		clip, sampleRate, err = audio.DecodeWAVPCM16(data)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		if sampleRate != audio.RealtimeSampleRate && opts.verbose {
			fmt.Fprintf(os.Stderr, "relayprobe: wav is %d Hz, upstream expects %d Hz\n", sampleRate, audio.RealtimeSampleRate)
		}
	}

	wsURL, err := realtimeURL(opts.baseURL, opts.preset)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	started := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	p := &probe{
		conn:    conn,
		started: started,
		events:  make(chan event, 64),
		readErr: make(chan error, 1),
		verbose: opts.verbose,
	}
	p.report.Preset = opts.preset
	go p.readLoop()

	ev, err := p.await(ctx, protocol.TypeConnected, nil)
	if err != nil {
		return err
	}
	p.report.SessionID = ev.SessionID
	p.report.ConnectedMS = p.elapsed(started)
	if _, err := p.await(ctx, protocol.TypeConnectionEstablished, nil); err != nil {
		return err
	}
	p.report.EstablishedMS = p.elapsed(started)

	if opts.greeting {
		if _, err := p.await(ctx, protocol.TypeResponseDone, &p.report.GreetingAudioMS); err != nil {
			return fmt.Errorf("greeting: %w", err)
		}
		p.report.GreetingDoneMS = p.elapsed(started)
	}

	if len(clip) > 0 {
		if err := p.sendTurn(ctx, clip, sampleRate, opts.chunkMS, opts.realtime); err != nil {
			return fmt.Errorf("send turn: %w", err)
		}
		turnStart := time.Now()
		p.turnStart = turnStart
		if _, err := p.await(ctx, protocol.TypeResponseDone, &p.report.TurnAudioMS); err != nil {
			return fmt.Errorf("turn: %w", err)
		}
		p.report.TurnDoneMS = p.elapsed(turnStart)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if opts.outPath != "" && len(p.audio) > 0 {
		if err := audio.WriteWAVPCM16LEFile(opts.outPath, p.audio, audio.RealtimeSampleRate); err != nil {
			return fmt.Errorf("write received audio: %w", err)
		}
	}
	return json.NewEncoder(out).Encode(p.report)
}

type probe struct {
	conn      *websocket.Conn
	started   time.Time
	turnStart time.Time
	events    chan event
	readErr   chan error
	audio     []byte
	report    report
	verbose   bool
}

func (p *probe) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case p.readErr <- err:
			default:
			}
			return
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		p.events <- ev
	}
}

// await consumes events until want arrives. Audio is collected along the way
// and the first chunk's latency is stored in firstAudio when it is non-nil.
func (p *probe) await(ctx context.Context, want protocol.MessageType, firstAudio *int64) (event, error) {
	for {
		select {
		case <-ctx.Done():
			return event{}, fmt.Errorf("waiting for %s: %w", want, ctx.Err())
		case err := <-p.readErr:
			return event{}, fmt.Errorf("waiting for %s: %w", want, err)
		case ev := <-p.events:
			switch ev.Type {
			case protocol.TypeAudio:
				p.report.AudioChunks++
				if pcm, err := base64.StdEncoding.DecodeString(ev.Data); err == nil {
					p.audio = append(p.audio, pcm...)
				}
				if firstAudio != nil && *firstAudio == 0 {
					from := p.started
					if !p.turnStart.IsZero() {
						from = p.turnStart
					}
					*firstAudio = max(p.elapsed(from), 1)
				}
			case protocol.TypeError, protocol.TypeConnectionClosed:
				return event{}, fmt.Errorf("relay sent %s: %s", ev.Type, ev.Message)
			case protocol.TypeTranscript:
				if p.verbose {
					fmt.Fprintf(os.Stderr, "relayprobe: %s: %s\n", ev.Role, ev.Text)
				}
			}
			if ev.Type == want {
				return ev, nil
			}
		}
	}
}

func (p *probe) sendTurn(ctx context.Context, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	bytesPerChunk := max(sampleRate*2*chunkMS/1000, 2) &^ 1
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(pcm))
		msg := protocol.ClientAudio{
			Type: protocol.TypeAudio,
			Data: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := p.conn.WriteJSON(msg); err != nil {
			return err
		}
		pace := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*2)) / realtime)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	if p.verbose {
		fmt.Fprintf(os.Stderr, "relayprobe: sent %d bytes, stopping turn\n", len(pcm))
	}
	return p.conn.WriteJSON(protocol.ClientStop{Type: protocol.TypeStop})
}

func (p *probe) elapsed(from time.Time) int64 {
	return time.Since(from).Milliseconds()
}

func realtimeURL(baseURL, preset string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	if preset = strings.TrimSpace(preset); preset != "" {
		q := u.Query()
		q.Set("preset", preset)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
