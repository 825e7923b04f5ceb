package voice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ent0n29/nobu-bridge/internal/audio"
)

// LocalConfig selects the on-host CLI engines.
type LocalConfig struct {
	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	// WhisperThreads of 0 means auto (half the CPUs, at least 2).
	WhisperThreads int

	PiperCLI       string
	PiperModelPath string

	SampleRate int
}

// LocalTranscriber shells out to whisper.cpp for each utterance. The CLI is
// not safe to run concurrently against one model file, so calls are
// serialized through a single-slot semaphore.
type LocalTranscriber struct {
	cfg    LocalConfig
	slot   chan struct{}
	loaded atomic.Bool
}

func NewLocalTranscriber(cfg LocalConfig) *LocalTranscriber {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &LocalTranscriber{cfg: cfg, slot: make(chan struct{}, 1)}
}

func (t *LocalTranscriber) Load(_ context.Context) error {
	cli := strings.TrimSpace(t.cfg.WhisperCLI)
	if cli == "" {
		return fmt.Errorf("whisper CLI path is empty")
	}
	if _, err := exec.LookPath(cli); err != nil {
		return fmt.Errorf("whisper CLI not found: %w", err)
	}
	if _, err := os.Stat(t.cfg.WhisperModelPath); err != nil {
		return fmt.Errorf("whisper model not found: %w", err)
	}
	t.loaded.Store(true)
	return nil
}

func (t *LocalTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if !t.loaded.Load() {
		return "", ErrNotReady
	}
	if len(pcm) == 0 {
		return "", ErrEmptyInput
	}

	select {
	case t.slot <- struct{}{}:
		defer func() { <-t.slot }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	dir, err := os.MkdirTemp("", "nobu-stt-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "utterance.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, pcm, t.cfg.SampleRate); err != nil {
		return "", fmt.Errorf("write utterance wav: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.cfg.WhisperCLI, whisperArgs(t.cfg, wavPath)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper failed: %w: %s", err, truncate(stderr.String(), 512))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func whisperArgs(cfg LocalConfig, wavPath string) []string {
	threads := cfg.WhisperThreads
	if threads <= 0 {
		threads = runtime.NumCPU() / 2
		if threads < 2 {
			threads = 2
		}
	}
	args := []string{
		"-m", cfg.WhisperModelPath,
		"-f", wavPath,
		"-t", strconv.Itoa(threads),
		"-nt", // no timestamps
		"-np", // no progress prints
	}
	if lang := strings.TrimSpace(cfg.WhisperLanguage); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

// LocalSynthesizer shells out to piper, the engine the nobu endpoints were
// designed around. Serialized for the same reason as the transcriber.
type LocalSynthesizer struct {
	cfg    LocalConfig
	slot   chan struct{}
	loaded atomic.Bool
}

func NewLocalSynthesizer(cfg LocalConfig) *LocalSynthesizer {
	return &LocalSynthesizer{cfg: cfg, slot: make(chan struct{}, 1)}
}

func (s *LocalSynthesizer) Load(_ context.Context) error {
	cli := strings.TrimSpace(s.cfg.PiperCLI)
	if cli == "" {
		return fmt.Errorf("piper CLI path is empty")
	}
	if _, err := exec.LookPath(cli); err != nil {
		return fmt.Errorf("piper CLI not found: %w", err)
	}
	if _, err := os.Stat(s.cfg.PiperModelPath); err != nil {
		return fmt.Errorf("piper model not found: %w", err)
	}
	s.loaded.Store(true)
	return nil
}

func (s *LocalSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if !s.loaded.Load() {
		return nil, "", ErrNotReady
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrEmptyInput
	}

	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	dir, err := os.MkdirTemp("", "nobu-tts-")
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(dir)

	outPath := filepath.Join(dir, "reply.wav")
	cmd := exec.CommandContext(ctx, s.cfg.PiperCLI, piperArgs(s.cfg, outPath)...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("piper failed: %w: %s", err, truncate(stderr.String(), 512))
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		return nil, "", fmt.Errorf("read piper output: %w", err)
	}
	if len(wav) == 0 {
		return nil, "", fmt.Errorf("piper produced empty audio")
	}
	return wav, "wav", nil
}

func piperArgs(cfg LocalConfig, outPath string) []string {
	return []string{
		"--model", cfg.PiperModelPath,
		"--output_file", outPath,
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
