package realtime

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPresetName is the preset used when none is requested.
const DefaultPresetName = "default"

const defaultGreeting = "Greet the user with one short, friendly spoken opening line and ask how you can help."

// SessionConfig describes the conversation behavior requested from the upstream.
type SessionConfig struct {
	Modalities              []string      `yaml:"modalities" json:"modalities"`
	Instructions            string        `yaml:"instructions" json:"instructions"`
	Voice                   string        `yaml:"voice" json:"voice"`
	InputAudioFormat        string        `yaml:"input_audio_format" json:"input_audio_format"`
	OutputAudioFormat       string        `yaml:"output_audio_format" json:"output_audio_format"`
	TranscriptionModel      string        `yaml:"transcription_model" json:"transcription_model"`
	TurnDetection           TurnDetection `yaml:"turn_detection" json:"turn_detection"`
	Temperature             float64       `yaml:"temperature" json:"temperature"`
	MaxResponseOutputTokens int           `yaml:"max_response_output_tokens" json:"max_response_output_tokens"`
}

// TurnDetection configures upstream voice-activity detection.
type TurnDetection struct {
	Type              string  `yaml:"type" json:"type"`
	Threshold         float64 `yaml:"threshold" json:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms" json:"silence_duration_ms"`
}

// Preset is a named SessionConfig plus the greeting instruction sent once the
// upstream reports ready. An empty Greeting disables the greeting.
type Preset struct {
	Name     string        `yaml:"-" json:"name"`
	Greeting string        `yaml:"greeting" json:"greeting"`
	Session  SessionConfig `yaml:"session" json:"session"`
}

type Presets map[string]Preset

func (p Presets) Lookup(name string) (Preset, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultPresetName
	}
	preset, ok := p[name]
	return preset, ok
}

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinPresets returns the shipped presets; voice is the configured default voice.
func BuiltinPresets(voice string) Presets {
	if strings.TrimSpace(voice) == "" {
		voice = "alloy"
	}
	base := SessionConfig{
		Modalities:         []string{"text", "audio"},
		Instructions:       "You are a helpful, friendly voice assistant. Keep answers short and conversational.",
		Voice:              voice,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: "whisper-1",
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}

	companion := base
	companion.Modalities = []string{"text", "audio"}
	companion.Instructions = "You are a warm, attentive companion. Speak naturally, show curiosity about the user, and keep replies to a few sentences."
	companion.Voice = "shimmer"
	companion.TurnDetection.SilenceDurationMS = 700
	companion.Temperature = 0.9
	companion.MaxResponseOutputTokens = 1024

	return Presets{
		DefaultPresetName: {Name: DefaultPresetName, Greeting: defaultGreeting, Session: base},
		"companion": {
			Name:     "companion",
			Greeting: "Say hello warmly in one short sentence, as if greeting a friend.",
			Session:  companion,
		},
	}
}

type presetFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// LoadPresets merges presets from a YAML file over builtins. Fields a file
// preset leaves empty inherit from the default preset.
func LoadPresets(path string, builtins Presets) (Presets, error) {
	out := make(Presets, len(builtins))
	for name, p := range builtins {
		out[name] = p
	}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file %s: %w", path, err)
	}
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets file %s: %w", path, err)
	}

	base := builtins[DefaultPresetName]
	for name, p := range file.Presets {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("presets file %s: empty preset name", path)
		}
		p.Name = name
		p.Session = p.Session.withDefaults(base.Session)
		if err := p.Session.Validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

func (c SessionConfig) withDefaults(base SessionConfig) SessionConfig {
	if len(c.Modalities) == 0 {
		c.Modalities = append([]string(nil), base.Modalities...)
	}
	if c.Instructions == "" {
		c.Instructions = base.Instructions
	}
	if c.Voice == "" {
		c.Voice = base.Voice
	}
	if c.InputAudioFormat == "" {
		c.InputAudioFormat = base.InputAudioFormat
	}
	if c.OutputAudioFormat == "" {
		c.OutputAudioFormat = base.OutputAudioFormat
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = base.TranscriptionModel
	}
	if c.TurnDetection.Type == "" {
		c.TurnDetection = base.TurnDetection
	}
	if c.Temperature == 0 {
		c.Temperature = base.Temperature
	}
	if c.MaxResponseOutputTokens == 0 {
		c.MaxResponseOutputTokens = base.MaxResponseOutputTokens
	}
	return c
}

// Validate checks the values the upstream is known to reject.
func (c SessionConfig) Validate() error {
	if len(c.Modalities) == 0 {
		return fmt.Errorf("modalities must not be empty")
	}
	for _, m := range c.Modalities {
		if m != "text" && m != "audio" {
			return fmt.Errorf("unsupported modality %q", m)
		}
	}
	for _, f := range []string{c.InputAudioFormat, c.OutputAudioFormat} {
		switch f {
		case "pcm16", "g711_ulaw", "g711_alaw":
		default:
			return fmt.Errorf("unsupported audio format %q", f)
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", c.Temperature)
	}
	if c.MaxResponseOutputTokens < 0 {
		return fmt.Errorf("max_response_output_tokens must be >= 0")
	}
	if td := c.TurnDetection; td.Type != "" && (td.Threshold < 0 || td.Threshold > 1) {
		return fmt.Errorf("turn_detection.threshold %.2f out of range [0,1]", td.Threshold)
	}
	return nil
}
